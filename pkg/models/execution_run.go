package models

import "time"

// ExecutionRunStatus is the lifecycle status of one dispatch attempt.
type ExecutionRunStatus string

const (
	ExecutionRunStatusRunning   ExecutionRunStatus = "running"
	ExecutionRunStatusCompleted ExecutionRunStatus = "completed"
	ExecutionRunStatusFailed    ExecutionRunStatus = "failed"
	ExecutionRunStatusCanceled  ExecutionRunStatus = "canceled"
)

// Terminal reports whether the status can no longer change through polling.
func (s ExecutionRunStatus) Terminal() bool {
	return s == ExecutionRunStatusCompleted || s == ExecutionRunStatusFailed || s == ExecutionRunStatusCanceled
}

// FailureClass drives retry policy. It is independent of request-level
// error codes.
type FailureClass string

const (
	FailureClassTransient FailureClass = "transient"
	FailureClassTerminal  FailureClass = "terminal"
	FailureClassUnknown   FailureClass = "unknown"
)

// Valid reports whether c is one of the known classes.
func (c FailureClass) Valid() bool {
	return c == FailureClassTransient || c == FailureClassTerminal || c == FailureClassUnknown
}

// ExecutionMode names the transport used for a dispatch.
type ExecutionMode string

const (
	ExecutionModeSimulator  ExecutionMode = "simulator"
	ExecutionModeSidecar    ExecutionMode = "sidecar"
	ExecutionModeHTTPSubmit ExecutionMode = "http_submit"
	ExecutionModeTwoStep    ExecutionMode = "two_step_http"
	ExecutionModePoller     ExecutionMode = "poller"
)

// ExecutionRun is one dispatch attempt of a robot plan.
//
// RecordID, RobotPlanRef, PlannedRunRef, ParentExecutionRunRef, Attempt,
// Mode, StartedAt and the external identifiers are fixed at creation.
type ExecutionRun struct {
	RecordID                 string             `json:"record_id"`
	RobotPlanRef             string             `json:"robot_plan_ref"`
	PlannedRunRef            string             `json:"planned_run_ref,omitempty"`
	ParentExecutionRunRef    string             `json:"parent_execution_run_ref,omitempty"`
	Attempt                  int                `json:"attempt"`
	Status                   ExecutionRunStatus `json:"status"`
	Mode                     ExecutionMode      `json:"mode"`
	AdapterID                string             `json:"adapter_id,omitempty"`
	StartedAt                time.Time          `json:"started_at"`
	CompletedAt              *time.Time         `json:"completed_at,omitempty"`
	ExternalRunID            string             `json:"external_run_id,omitempty"`
	ExternalProtocolID       string             `json:"external_protocol_id,omitempty"`
	LastStatusRaw            string             `json:"last_status_raw,omitempty"`
	LastPolledAt             *time.Time         `json:"last_polled_at,omitempty"`
	LogRef                   string             `json:"log_ref,omitempty"`
	MaterializedEventGraphID string             `json:"materialized_event_graph_id,omitempty"`
	FailureClass             FailureClass       `json:"failure_class,omitempty"`
	RetryRecommended         bool               `json:"retry_recommended,omitempty"`
	FailureCode              string             `json:"failure_code,omitempty"`
	RetryReason              string             `json:"retry_reason,omitempty"`
	Resolution               string             `json:"resolution,omitempty"`
	Parameters               map[string]any     `json:"parameters,omitempty"`
}

// Failure holds the classifier output stamped onto a failed run.
type Failure struct {
	Class            FailureClass
	RetryRecommended bool
	Code             string
	Reason           string
}

// MarkFailed transitions the run to failed at t with the given failure.
func (r *ExecutionRun) MarkFailed(t time.Time, failure Failure) {
	r.Status = ExecutionRunStatusFailed
	r.CompletedAt = &t
	r.FailureClass = failure.Class
	r.RetryRecommended = failure.RetryRecommended
	r.FailureCode = failure.Code
	r.RetryReason = failure.Reason
}

// MarkCompleted transitions the run to completed at t.
func (r *ExecutionRun) MarkCompleted(t time.Time) {
	r.Status = ExecutionRunStatusCompleted
	r.CompletedAt = &t
}
