package models

import "time"

// LogEntryKind classifies an instrument log entry.
type LogEntryKind string

const (
	LogEntryInfo      LogEntryKind = "info"
	LogEntryError     LogEntryKind = "error"
	LogEntryTelemetry LogEntryKind = "telemetry"
)

// InstrumentLogStatus summarises the attempt the log belongs to.
type InstrumentLogStatus string

const (
	InstrumentLogStatusCompleted InstrumentLogStatus = "completed"
	InstrumentLogStatusFailed    InstrumentLogStatus = "failed"
	InstrumentLogStatusRunning   InstrumentLogStatus = "running"
	InstrumentLogStatusAborted   InstrumentLogStatus = "aborted"
)

// LogEntry is one ordered entry of an instrument log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      LogEntryKind   `json:"kind"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// InstrumentLog is append-only telemetry for one execution attempt. It is
// written once and never updated.
type InstrumentLog struct {
	RecordID        string              `json:"record_id"`
	RobotPlanRef    string              `json:"robot_plan_ref"`
	PlannedRunRef   string              `json:"planned_run_ref,omitempty"`
	ExecutionRunRef string              `json:"execution_run_ref,omitempty"`
	Status          InstrumentLogStatus `json:"status"`
	Entries         []LogEntry          `json:"entries"`
	Artifacts       []ArtifactRef       `json:"artifacts,omitempty"`
}
