package models

import "time"

// ProtocolRole is an abstract labware or material slot a protocol needs bound.
type ProtocolRole struct {
	RoleID string `json:"role_id"`
	Kind   string `json:"kind"`
}

// ProtocolStep is one abstract step of a protocol.
type ProtocolStep struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	SourceRole string         `json:"source_role,omitempty"`
	TargetRole string         `json:"target_role,omitempty"`
	VolumeUL   float64        `json:"volume_ul,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Protocol is an abstract, platform-independent experiment procedure.
type Protocol struct {
	RecordID string         `json:"record_id"`
	Title    string         `json:"title"`
	Roles    []ProtocolRole `json:"roles,omitempty"`
	Steps    []ProtocolStep `json:"steps"`
}

// GraphEvent is one observed event of an event graph.
type GraphEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	At        *time.Time     `json:"at,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventGraph records what happened (or should happen) as ordered events.
// Materialization produces one per completed execution run.
type EventGraph struct {
	RecordID              string         `json:"record_id"`
	Title                 string         `json:"title"`
	Roles                 []ProtocolRole `json:"roles,omitempty"`
	Events                []GraphEvent   `json:"events"`
	SourceExecutionRunRef string         `json:"source_execution_run_ref,omitempty"`
	RobotPlanRef          string         `json:"robot_plan_ref,omitempty"`
	PlannedRunRef         string         `json:"planned_run_ref,omitempty"`
}
