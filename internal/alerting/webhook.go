package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"counterwatch/internal/models"
)

const (
	DefaultWebhookEnv     = "ALERT_WEBHOOK"
	DefaultWebhookTimeout = 2 * time.Second
)

// Notifier delivers an alert to something outside the process.
type Notifier interface {
	Notify(ctx context.Context, alert models.AlertRecord) error
}

type webhookPayload struct {
	Timestamp float64         `json:"timestamp"`
	AlertType string          `json:"alert_type"`
	Severity  models.Severity `json:"severity"`
	Data      map[string]any  `json:"data"`
	Resolved  bool            `json:"resolved"`
}

// WebhookNotifier POSTs alerts to a URL taken from the environment on every
// call, so operators can point it elsewhere without a restart.
type WebhookNotifier struct {
	envVar     string
	httpClient *http.Client
	lookup     func(string) string
}

func NewWebhookNotifier(envVar string, timeout time.Duration) *WebhookNotifier {
	if envVar == "" {
		envVar = DefaultWebhookEnv
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookNotifier{
		envVar:     envVar,
		httpClient: &http.Client{Timeout: timeout},
		lookup:     os.Getenv,
	}
}

// Notify is a no-op when no URL is configured.
func (w *WebhookNotifier) Notify(ctx context.Context, alert models.AlertRecord) error {
	url := w.lookup(w.envVar)
	if url == "" {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Timestamp: float64(alert.Timestamp.UnixNano()) / float64(time.Second),
		AlertType: alert.AlertType,
		Severity:  alert.Severity,
		Data:      alert.Data,
		Resolved:  alert.Resolved,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
