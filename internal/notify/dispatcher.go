// Package notify delivers push notifications to the other participant of a
// channel. Delivery is best effort: callers log and count failures and never
// surface them to the sender.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotificationFailed is returned when the push backend rejects or cannot
// be reached for a notification.
var ErrNotificationFailed = errors.New("notify: notification failed")

// Notification is the payload sent to the push backend.
type Notification struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Dispatcher sends one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// HTTPConfig holds push backend settings.
type HTTPConfig struct {
	Endpoint string        // e.g. https://push.example.com/send-notification
	Timeout  time.Duration // per request
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Endpoint: "http://localhost:3000/send-notification",
		Timeout:  5 * time.Second,
	}
}

// HTTPDispatcher POSTs notifications as JSON to a push backend.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the given backend.
func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.Token == "" {
		return fmt.Errorf("%w: empty push token", ErrNotificationFailed)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: push backend returned %d", ErrNotificationFailed, resp.StatusCode)
	}
	return nil
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Dispatch(context.Context, Notification) error { return nil }
