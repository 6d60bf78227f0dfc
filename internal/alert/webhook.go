package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// maxReportedErrors bounds the error list to keep webhook payloads small.
const maxReportedErrors = 10

// WebhookNotifier POSTs reports as JSON to a configured endpoint.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, report Report) error {
	if len(report.Errors) > maxReportedErrors {
		report.Errors = report.Errors[:maxReportedErrors]
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("alert: encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook status %d", resp.StatusCode)
	}
	return nil
}
