// Package web provides HTTP request and response types for the execution API.
package web

import (
	"time"

	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/models"
)

// CreatePlannedRunRequest represents the request body for creating a planned run.
type CreatePlannedRunRequest struct {
	Title      string            `json:"title"       validate:"required"`
	SourceType models.SourceType `json:"source_type" validate:"required"`
	SourceRef  string            `json:"source_ref"  validate:"required"`
	Bindings   models.Bindings   `json:"bindings"`
}

// CompilePlannedRunRequest selects the platform a planned run is compiled for.
type CompilePlannedRunRequest struct {
	TargetPlatform models.TargetPlatform `json:"target_platform" validate:"required"`
}

// ExecuteRobotPlanRequest carries the runtime parameters of one attempt.
type ExecuteRobotPlanRequest struct {
	ParentExecutionRunID string         `json:"parent_execution_run_id" validate:"omitempty,startswith=EXR-"`
	Parameters           map[string]any `json:"parameters"`
}

// RetryExecutionRunRequest represents the request body for a manual retry.
type RetryExecutionRunRequest struct {
	Force bool `json:"force"`
}

// ResolveExecutionRunRequest represents the request body for resolving a failed run.
type ResolveExecutionRunRequest struct {
	Note string `json:"note" validate:"required"`
}

// StartWorkerRequest optionally overrides the worker interval.
type StartWorkerRequest struct {
	IntervalMs int64 `json:"interval_ms" validate:"omitempty,gte=1000"`
}

// IncidentNoteRequest represents the request body for acking or resolving an incident.
type IncidentNoteRequest struct {
	Note string `json:"note" validate:"max=2000"`
	By   string `json:"by"`
}

// ValidateExecutionPlanRequest names the environment a plan is checked against.
type ValidateExecutionPlanRequest struct {
	EnvironmentID string `json:"environment_id" validate:"required"`
}

// EmitExecutionPlanRequest names the environment and target of an emission.
type EmitExecutionPlanRequest struct {
	EnvironmentID string                `json:"environment_id" validate:"required"`
	Target        models.TargetPlatform `json:"target"         validate:"required"`
}

// MaterializeResponse is returned by the materialize endpoint.
type MaterializeResponse struct {
	ExecutionRunID string `json:"execution_run_id"`
	EventGraphID   string `json:"event_graph_id"`
}

// ContractResponse describes the loaded sidecar contract.
type ContractResponse struct {
	Version  string           `json:"contract_version"`
	Ready    bool             `json:"ready"`
	SelfTest *contract.Report `json:"self_test,omitempty"`
	Manifest map[string]any   `json:"manifest"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Checkers  map[string]string `json:"checkers"`
	Timestamp time.Time         `json:"timestamp"`
}
