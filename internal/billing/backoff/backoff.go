// Package backoff computes retry delays for failed charge attempts.
package backoff

import "time"

const (
	baseDelayMinutes = 60
	maxDelayMinutes  = 24 * 60
)

// NextRetryDelay returns the wait before retry attempt number attempt:
// exponential backoff in hours capped at 24 hours. Negative attempts are
// treated as zero.
func NextRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^5 * 60 already exceeds the cap; avoid shifting past it.
	if attempt > 5 {
		attempt = 5
	}
	minutes := baseDelayMinutes << attempt
	if minutes > maxDelayMinutes {
		minutes = maxDelayMinutes
	}
	return time.Duration(minutes) * time.Minute
}
