package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory ObjectStore for tests.
type memStore struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string][]byte
	metadata map[string]map[string]string

	headErr        error
	listBucketsErr error
	uploadErr      error
	putErr         error
	listErr        error
	downloadErr    error
	getErr         map[string]error
	deleteErr      map[string]error

	deleted []string
}

func newMemStore(bucket string) *memStore {
	return &memStore{
		bucket:    bucket,
		objects:   map[string][]byte{},
		metadata:  map[string]map[string]string{},
		getErr:    map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (m *memStore) Bucket() string { return m.bucket }

func (m *memStore) HeadBucket(ctx context.Context) error {
	return m.headErr
}

func (m *memStore) ListBuckets(ctx context.Context) ([]string, error) {
	if m.listBucketsErr != nil {
		return nil, m.listBucketsErr
	}
	return []string{m.bucket, "other"}, nil
}

func (m *memStore) UploadFile(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: got %d, want %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.metadata[key] = metadata
	return nil
}

func (m *memStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.put(key, body)
	return nil
}

func (m *memStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := m.getErr[key]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNoSuchKey)
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) DownloadFile(ctx context.Context, key string, dst *os.File) (int64, error) {
	if m.downloadErr != nil {
		return 0, m.downloadErr
	}
	data, err := m.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (m *memStore) ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, data := range m.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || (!recursive && strings.Contains(rest, "/")) {
			continue
		}
		out = append(out, ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) DeleteObject(ctx context.Context, key string) error {
	if err := m.deleteErr[key]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.metadata, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memStore) put(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
