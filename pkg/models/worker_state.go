package models

import "time"

// Well-known background worker names.
const (
	WorkerExecutionPoller = "execution-poller"
	WorkerRetry           = "retry-worker"
	WorkerIncidentScanner = "incident-scanner"
)

// WorkerState is the persisted state of one named background worker. It is
// the only cross-process coordination primitive for worker singleton-ness.
type WorkerState struct {
	WorkerID       string         `json:"worker_id"`
	Running        bool           `json:"running"`
	IntervalMs     int64          `json:"interval_ms"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastRunSummary map[string]any `json:"last_run_summary,omitempty"`
	ErrorStreak    int            `json:"error_streak"`
	LastError      string         `json:"last_error,omitempty"`
	LeaseOwner     string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
}

// LeaseHeldBy reports whether a different owner holds an unexpired lease at now.
func (s *WorkerState) LeaseHeldBy(owner string, now time.Time) bool {
	if s == nil || !s.Running || s.LeaseOwner == "" || s.LeaseOwner == owner {
		return false
	}

	return s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}
