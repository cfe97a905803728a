package backup

import (
	"errors"
)

// Error kinds reported by the Store. Match them with errors.Is.
var (
	// ErrAccess means the bucket is missing or unreachable with the configured credentials.
	ErrAccess = errors.New("bucket access failed")
	// ErrTransfer means an object-store call failed during upload, download, list or delete.
	ErrTransfer = errors.New("transfer failed")
	// ErrNotFound means there is no metadata object for the id, or its data object is missing.
	ErrNotFound = errors.New("object missing")
)

// Sentinels an ObjectStore wraps so the Store can tell a missing object from a failed call.
var (
	ErrNoSuchKey    = errors.New("no such key")
	ErrNoSuchBucket = errors.New("no such bucket")
)

// OpError records the operation and key of a failed Store call.
type OpError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *OpError) Is(target error) bool {
	return target == e.Kind
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func accessError(op string, err error) error {
	return &OpError{Op: op, Kind: ErrAccess, Err: err}
}

func transferError(op, key string, err error) error {
	return &OpError{Op: op, Key: key, Kind: ErrTransfer, Err: err}
}

func notFoundError(op, key string, err error) error {
	return &OpError{Op: op, Key: key, Kind: ErrNotFound, Err: err}
}

// classify maps a failed object lookup to ErrNotFound or ErrTransfer.
func classify(op, key string, err error) error {
	if errors.Is(err, ErrNoSuchKey) {
		return notFoundError(op, key, err)
	}
	return transferError(op, key, err)
}
