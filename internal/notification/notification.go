// Package notification reports backup operations through Pushover.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/util"
	"github.com/d4rkfella/s3-backup-agent/internal/vault"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Pushover tokens and user/group keys are 30 alphanumeric characters.
var validPushoverKey = regexp.MustCompile(`^[a-zA-Z0-9]{30}$`)

// Event describes a finished backup operation.
type Event struct {
	Operation string // "upload", "delete", ...
	BackupID  string
	Success   bool
	Duration  time.Duration
	Size      int64 // bytes transferred; zero when unknown
	Err       error
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards events. It is used when notifications are disabled.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Pushover sends events to the Pushover messages API.
type Pushover struct {
	apiToken vault.SecureString
	userKey  vault.SecureString
	url      string
	client   *http.Client
}

// NewPushover returns a Pushover notifier. The keys are copied; the caller still zeroes its own.
func NewPushover(apiToken, userKey vault.SecureString) *Pushover {
	return &Pushover{
		apiToken: append(vault.SecureString(nil), apiToken...),
		userKey:  append(vault.SecureString(nil), userKey...),
		url:      defaultPushoverURL,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Close zeroes the stored keys.
func (p *Pushover) Close() {
	p.apiToken.Zero()
	p.userKey.Zero()
}

// Notify sends e. Invalid or missing keys skip the notification without error.
func (p *Pushover) Notify(ctx context.Context, e Event) error {
	apiToken := p.apiToken.String()
	userKey := p.userKey.String()
	if !isValidPushoverKey(apiToken) || !isValidPushoverKey(userKey) {
		log.Warn().Str("component", "notification").Msg("Invalid or missing Pushover credentials, skipping notification")
		return nil
	}

	title, message, priority, sound := formatEvent(e)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("token", apiToken)
	_ = writer.WriteField("user", userKey)
	_ = writer.WriteField("title", title)
	_ = writer.WriteField("message", message)
	_ = writer.WriteField("priority", priority)
	_ = writer.WriteField("sound", sound)
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build pushover request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, &body)
	if err != nil {
		return fmt.Errorf("failed to create pushover request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	log.Debug().Str("component", "notification").
		Str("user", util.RedactKey(userKey)).
		Str("token", util.RedactKey(apiToken)).
		Str("title", title).
		Str("priority", priority).
		Msg("Sending Pushover request")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Str("component", "notification").Err(err).Msg("Failed to close Pushover response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pushover API error: status %d, response: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	log.Info().Str("component", "notification").Str("operation", e.Operation).Msg("Pushover notification sent")
	return nil
}

// formatEvent builds the Pushover title, message, priority and sound for e.
func formatEvent(e Event) (title, message, priority, sound string) {
	op := e.Operation
	if op != "" {
		op = strings.ToUpper(op[:1]) + op[1:]
	}

	var b strings.Builder
	if e.BackupID != "" {
		fmt.Fprintf(&b, "Backup: %s\n", e.BackupID)
	}
	fmt.Fprintf(&b, "Duration: %s", e.Duration.Round(time.Second))

	if e.Success {
		if e.Size > 0 {
			fmt.Fprintf(&b, "\nSize: %s", humanize.IBytes(uint64(e.Size)))
		}
		return fmt.Sprintf("S3 Backup %s Succeeded", op), b.String(), "0", "pushover"
	}

	errMsg := "Unknown error"
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	fmt.Fprintf(&b, "\nError: %s", errMsg)
	return fmt.Sprintf("S3 Backup %s FAILED", op), b.String(), "1", "siren"
}

func isValidPushoverKey(key string) bool {
	return validPushoverKey.MatchString(key)
}
