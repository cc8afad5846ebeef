package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// Webhook defaults.
const (
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookRetries    = 2
	DefaultWebhookRetryDelay = time.Second
)

// Hook is one webhook endpoint. Empty Events (or "*") matches every type.
type Hook struct {
	URL    string
	Secret string
	Events []string
}

// WebhookSink POSTs events as JSON to every matching hook. With a secret the
// body is signed as "sha256=<hex hmac>" in X-Gitbakd-Signature.
type WebhookSink struct {
	hooks      []Hook
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewWebhookSink creates a sink for hooks.
func NewWebhookSink(hooks []Hook) *WebhookSink {
	return &WebhookSink{
		hooks:      hooks,
		client:     &http.Client{Timeout: DefaultWebhookTimeout},
		maxRetries: DefaultWebhookRetries,
		retryDelay: DefaultWebhookRetryDelay,
	}
}

// WithRetry sets the retry policy.
func (w *WebhookSink) WithRetry(maxRetries int, delay time.Duration) *WebhookSink {
	w.maxRetries = maxRetries
	w.retryDelay = delay
	return w
}

// Name implements Sink.
func (w *WebhookSink) Name() string {
	return "webhook"
}

// Handle implements Sink. Every matching hook is attempted; the last error is returned.
func (w *WebhookSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return gitbakdErrors.Wrap(err, "failed to encode webhook payload")
	}

	var lastErr error
	for _, hook := range w.hooks {
		if !hook.matches(e.Type) {
			continue
		}
		if err := w.deliver(ctx, hook, e.Type, payload); err != nil {
			lastErr = gitbakdErrors.Wrapf(err, "webhook %s", hook.URL)
		}
	}
	return lastErr
}

// Close implements Sink.
func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func (h Hook) matches(t Type) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == "*" || Type(e) == t {
			return true
		}
	}
	return false
}

func (w *WebhookSink) deliver(ctx context.Context, hook Hook, t Type, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "gitbakd-webhook/1.0")
		req.Header.Set("X-Gitbakd-Event", string(t))
		if hook.Secret != "" {
			req.Header.Set("X-Gitbakd-Signature", Sign(payload, hook.Secret))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return lastErr
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
