package models

// Placement puts a labware role on a deck slot.
type Placement struct {
	RoleID      string `json:"role_id"`
	Slot        string `json:"slot"`
	Orientation string `json:"orientation,omitempty"`
}

// ToolBinding assigns a tool (pipette head, channel) to a mount.
type ToolBinding struct {
	ToolID string `json:"tool_id"`
	Mount  string `json:"mount"`
}

// Strategy describes how the plan is carried out.
type Strategy struct {
	TipPolicy string `json:"tip_policy,omitempty"`
	Ordering  string `json:"ordering,omitempty"`
}

// DerivedArtifact is one emitted, target-specific artifact of an execution plan.
type DerivedArtifact struct {
	Target      string `json:"target"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// ExecutionPlan is a declarative description of how a protocol maps onto an
// execution environment.
type ExecutionPlan struct {
	RecordID         string            `json:"record_id"`
	Title            string            `json:"title,omitempty"`
	ProtocolRef      string            `json:"protocol_ref,omitempty"`
	Placements       []Placement       `json:"placements"`
	ToolBindings     []ToolBinding     `json:"tool_bindings"`
	Strategy         Strategy          `json:"strategy"`
	DerivedArtifacts []DerivedArtifact `json:"derived_artifacts,omitempty"`
}

// ExecutionEnvironment describes the physical or simulated target a plan
// runs on.
type ExecutionEnvironment struct {
	RecordID       string         `json:"record_id"`
	TargetPlatform TargetPlatform `json:"target_platform"`
	Slots          []string       `json:"slots"`
	Mounts         []string       `json:"mounts"`
	Tools          []string       `json:"tools"`
}
