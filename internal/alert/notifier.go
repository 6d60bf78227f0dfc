// Package alert delivers billing-run reports to the operational alerting
// webhook.
package alert

import (
	"context"
	"time"
)

// Summary mirrors the run counters carried in the alert payload.
type Summary struct {
	Processed       int  `json:"processed"`
	Successful      int  `json:"successful"`
	Failed          int  `json:"failed"`
	ChunksProcessed int  `json:"chunksProcessed"`
	TimeoutReached  bool `json:"timeoutReached"`
}

// Report is the JSON payload posted to the alerting webhook.
type Report struct {
	Source          string    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Summary         Summary   `json:"summary"`
	Alerts          []string  `json:"alerts"`
	Errors          []string  `json:"errors"`
}

// Notifier dispatches run reports. Delivery is best effort; failures are
// logged by callers and never abort a run.
type Notifier interface {
	Notify(ctx context.Context, report Report) error
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, report Report) error {
	return nil
}
