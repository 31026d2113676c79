package models

// PlannedRunState is the lifecycle state of a planned run.
type PlannedRunState string

const (
	PlannedRunStateDraft     PlannedRunState = "draft"
	PlannedRunStateReady     PlannedRunState = "ready"
	PlannedRunStateExecuting PlannedRunState = "executing"
	PlannedRunStateCompleted PlannedRunState = "completed"
	PlannedRunStateFailed    PlannedRunState = "failed"
)

// SourceType names the kind of record a planned run was derived from.
type SourceType string

const (
	SourceTypeProtocol   SourceType = "protocol"
	SourceTypeEventGraph SourceType = "event-graph"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == SourceTypeProtocol || s == SourceTypeEventGraph
}

// Kind returns the record kind a source of this type is stored as.
func (s SourceType) Kind() Kind {
	if s == SourceTypeEventGraph {
		return KindEventGraph
	}

	return KindProtocol
}

// LabwareBinding assigns a concrete labware instance to a protocol role.
type LabwareBinding struct {
	RoleID      string `json:"role_id"`
	LabwareRef  string `json:"labware_ref"`
	Slot        string `json:"slot,omitempty"`
	Orientation string `json:"orientation,omitempty"`
}

// MaterialBinding assigns a concrete material to a protocol role.
type MaterialBinding struct {
	RoleID      string `json:"role_id"`
	MaterialRef string `json:"material_ref"`
}

// Bindings ties abstract protocol roles to concrete resources.
type Bindings struct {
	Labware   []LabwareBinding  `json:"labware,omitempty"`
	Materials []MaterialBinding `json:"materials,omitempty"`
}

// Present reports whether the bindings are structurally complete: at least
// one binding exists and every binding names both a role and a resource.
func (b Bindings) Present() bool {
	if len(b.Labware) == 0 && len(b.Materials) == 0 {
		return false
	}

	for _, lw := range b.Labware {
		if lw.RoleID == "" || lw.LabwareRef == "" {
			return false
		}
	}

	for _, m := range b.Materials {
		if m.RoleID == "" || m.MaterialRef == "" {
			return false
		}
	}

	return true
}

// PlannedRun is an experiment intent bound to concrete resources.
type PlannedRun struct {
	RecordID   string          `json:"record_id"`
	Title      string          `json:"title"`
	SourceType SourceType      `json:"source_type"`
	SourceRef  string          `json:"source_ref"`
	Bindings   Bindings        `json:"bindings"`
	State      PlannedRunState `json:"state"`
}
