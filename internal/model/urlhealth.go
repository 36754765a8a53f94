package model

import "time"

// URLHealth tracks per-URL fetch outcomes. Counters are mutated with atomic
// SQL increments, never read-modify-write in Go, since many fetches run
// concurrently and the consecutive-failure count gates scheduling.
type URLHealth struct {
	URL                 string     `json:"url"`
	PayerID             string     `json:"payer_id"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalSuccesses      int64      `json:"total_successes"`
	TotalFailures       int64      `json:"total_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Suppressed reports whether the URL has failed consecutively past the
// threshold and should be skipped by the scheduler.
func (h URLHealth) Suppressed(threshold int) bool {
	return threshold > 0 && h.ConsecutiveFailures >= threshold
}
