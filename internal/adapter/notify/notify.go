// Package notify delivers run summaries to humans: a webhook sink for real
// deployments and a log sink for everything else.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Webhook posts {subject, body} JSON to a fixed URL. Delivery retries with
// exponential backoff for a short window; callers treat failures as
// non-fatal.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook builds a webhook notifier.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify delivers one message.
func (w *Webhook) Notify(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(map[string]string{"subject": subject, "body": body})
	if err != nil {
		return fmt.Errorf("op=notify.webhook marshal: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("op=notify.webhook url=%s: %w", w.url, err)
	}
	return nil
}

// Log writes notifications to the structured log. The default sink when no
// webhook is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog builds a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify records the message at info level.
func (l *Log) Notify(_ context.Context, subject, body string) error {
	l.logger.Info("notification",
		slog.String("subject", subject),
		slog.String("body", body))
	return nil
}

var (
	_ domain.Notifier = (*Webhook)(nil)
	_ domain.Notifier = (*Log)(nil)
)
