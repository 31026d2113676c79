package models

// TargetPlatform names a supported robot platform.
type TargetPlatform string

const (
	PlatformOpentronsOT2  TargetPlatform = "opentrons_ot2"
	PlatformOpentronsFlex TargetPlatform = "opentrons_flex"
	PlatformIntegraAssist TargetPlatform = "integra_assist"
)

// Platforms lists the supported target platforms.
func Platforms() []TargetPlatform {
	return []TargetPlatform{PlatformOpentronsOT2, PlatformOpentronsFlex, PlatformIntegraAssist}
}

// Valid reports whether p is a supported platform.
func (p TargetPlatform) Valid() bool {
	for _, known := range Platforms() {
		if p == known {
			return true
		}
	}

	return false
}

// RobotPlanStatus is the compilation status of a robot plan.
type RobotPlanStatus string

const (
	RobotPlanStatusCompiled  RobotPlanStatus = "compiled"
	RobotPlanStatusValidated RobotPlanStatus = "validated"
	RobotPlanStatusError     RobotPlanStatus = "error"
)

// ArtifactRef points at a file in the artifact store.
type ArtifactRef struct {
	Role        string `json:"role"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
}

// RobotPlan is a compiled, platform-specific instruction set.
type RobotPlan struct {
	ID             string          `json:"id"`
	PlannedRunRef  string          `json:"planned_run_ref"`
	TargetPlatform TargetPlatform  `json:"target_platform"`
	Status         RobotPlanStatus `json:"status"`
	Artifacts      []ArtifactRef   `json:"artifacts"`
	Instructions   []Instruction   `json:"instructions,omitempty"`
}

// Artifact returns the artifact with the given role.
func (p *RobotPlan) Artifact(role string) (ArtifactRef, bool) {
	for _, a := range p.Artifacts {
		if a.Role == role {
			return a, true
		}
	}

	return ArtifactRef{}, false
}

// Instruction is one platform-level step of a compiled plan.
type Instruction struct {
	Index   int            `json:"index"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}
