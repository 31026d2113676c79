// Package events defines the lifecycle notifications emitted by the
// execution engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "labrun.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution run lifecycle events.
	ExecutionRunStartedEvent      EventType = "execution.run.started"
	ExecutionRunCompletedEvent    EventType = "execution.run.completed"
	ExecutionRunFailedEvent       EventType = "execution.run.failed"
	ExecutionRunCanceledEvent     EventType = "execution.run.canceled"
	ExecutionRunMaterializedEvent EventType = "execution.run.materialized"

	// Incident events.
	IncidentOpenedEvent EventType = "incident.opened"
)

// Types lists every event type.
func Types() []EventType {
	return []EventType{
		ExecutionRunStartedEvent,
		ExecutionRunCompletedEvent,
		ExecutionRunFailedEvent,
		ExecutionRunCanceledEvent,
		ExecutionRunMaterializedEvent,
		IncidentOpenedEvent,
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a fresh event id and timestamp.
func NewBaseEvent(eventType EventType, now time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: now,
	}
}

// ExecutionRunEvent reports a status change of one execution run.
type ExecutionRunEvent struct {
	BaseEvent

	ExecutionRunID  string `json:"execution_run_id"`
	RobotPlanID     string `json:"robot_plan_id"`
	PlannedRunID    string `json:"planned_run_id,omitempty"`
	Attempt         int    `json:"attempt"`
	Status          string `json:"status"`
	Mode            string `json:"mode,omitempty"`
	FailureClass    string `json:"failure_class,omitempty"`
	FailureCode     string `json:"failure_code,omitempty"`
	EventGraphID    string `json:"event_graph_id,omitempty"`
	ParentExecution string `json:"parent_execution_run_id,omitempty"`
}

func (e ExecutionRunEvent) GetType() EventType {
	return e.Type
}

// IncidentOpened reports a newly persisted incident.
type IncidentOpened struct {
	BaseEvent

	IncidentID      string `json:"incident_id"`
	IncidentType    string `json:"incident_type"`
	Severity        string `json:"severity"`
	Signature       string `json:"signature"`
	AdapterID       string `json:"adapter_id,omitempty"`
	ExecutionRunRef string `json:"execution_run_ref,omitempty"`
}

func (e IncidentOpened) GetType() EventType {
	return IncidentOpenedEvent
}

// RunSnapshot is the subset of an execution run carried by run events.
type RunSnapshot struct {
	ExecutionRunID         string
	RobotPlanID            string
	PlannedRunID           string
	ParentExecutionRunID   string
	Attempt                int
	Status                 string
	Mode                   string
	FailureClass           string
	FailureCode            string
	MaterializedEventGraph string
}

// NewExecutionRunEvent builds a run event of eventType from snap.
func NewExecutionRunEvent(eventType EventType, snap RunSnapshot, now time.Time) ExecutionRunEvent {
	return ExecutionRunEvent{
		BaseEvent:       NewBaseEvent(eventType, now),
		ExecutionRunID:  snap.ExecutionRunID,
		RobotPlanID:     snap.RobotPlanID,
		PlannedRunID:    snap.PlannedRunID,
		Attempt:         snap.Attempt,
		Status:          snap.Status,
		Mode:            snap.Mode,
		FailureClass:    snap.FailureClass,
		FailureCode:     snap.FailureCode,
		EventGraphID:    snap.MaterializedEventGraph,
		ParentExecution: snap.ParentExecutionRunID,
	}
}
