package models

import "time"

// IncidentStatus is the workflow state of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen     IncidentStatus = "open"
	IncidentStatusAcked    IncidentStatus = "acked"
	IncidentStatusResolved IncidentStatus = "resolved"
)

// Active reports whether the incident still absorbs new signals with its
// signature. Acked incidents stay active until resolved.
func (s IncidentStatus) Active() bool {
	return s == IncidentStatusOpen || s == IncidentStatusAcked
}

// IncidentSeverity ranks incidents for operators.
type IncidentSeverity string

const (
	SeverityInfo     IncidentSeverity = "info"
	SeverityWarning  IncidentSeverity = "warning"
	SeverityCritical IncidentSeverity = "critical"
)

// Incident types raised by the scanner.
const (
	IncidentTypeAdapterUnhealthy  = "adapter_unhealthy"
	IncidentTypeExecutionFailure  = "execution_failure"
	IncidentTypeWorkerErrorStreak = "worker_error_streak"
)

// SourceSignal is one observation that contributed to an incident.
type SourceSignal struct {
	Source     string    `json:"source"`
	Ref        string    `json:"ref,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// IncidentNote is an operator note appended on ack or resolve.
type IncidentNote struct {
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}

// ExecutionIncident is a deduplicated actionable alert.
type ExecutionIncident struct {
	RecordID        string           `json:"record_id"`
	Status          IncidentStatus   `json:"status"`
	Severity        IncidentSeverity `json:"severity"`
	IncidentType    string           `json:"incident_type"`
	Signature       string           `json:"signature"`
	Title           string           `json:"title"`
	AdapterID       string           `json:"adapter_id,omitempty"`
	ExecutionRunRef string           `json:"execution_run_ref,omitempty"`
	SourceSignals   []SourceSignal   `json:"source_signals"`
	Notes           []IncidentNote   `json:"notes,omitempty"`
	OpenedAt        time.Time        `json:"opened_at"`
	AckedAt         *time.Time       `json:"acked_at,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}
