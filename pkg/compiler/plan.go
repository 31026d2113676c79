package compiler

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
)

var (
	tipPolicies = []string{"", "new_tip_each", "new_tip_per_source", "reuse"}
	orderings   = []string{"", "sequential", "by_row", "by_column"}
)

// ValidateExecutionPlan checks placements, tool bindings and strategy of
// plan against env. An empty result means the plan is valid.
func ValidateExecutionPlan(plan *models.ExecutionPlan, env *models.ExecutionEnvironment) []persistence.Issue {
	var issues []persistence.Issue

	add := func(path, format string, args ...any) {
		issues = append(issues, persistence.Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(plan.Placements) == 0 {
		add("placements", "at least one placement is required")
	}

	slotRoles := map[string]string{}
	roles := map[string]bool{}

	for i, p := range plan.Placements {
		path := fmt.Sprintf("placements[%d]", i)

		if p.RoleID == "" {
			add(path+".role_id", "role_id is required")
		} else if roles[p.RoleID] {
			add(path+".role_id", "role %q is placed more than once", p.RoleID)
		}

		roles[p.RoleID] = true

		if !slices.Contains(env.Slots, p.Slot) {
			add(path+".slot", "slot %q is not available in environment %s", p.Slot, env.RecordID)
		} else if other, ok := slotRoles[p.Slot]; ok {
			add(path+".slot", "slot %q is already used by role %q", p.Slot, other)
		}

		slotRoles[p.Slot] = p.RoleID

		if p.Orientation != "" && p.Orientation != OrientationLandscape && p.Orientation != OrientationPortrait {
			add(path+".orientation", "orientation %q must be landscape or portrait", p.Orientation)
		}
	}

	mounts := map[string]string{}

	for i, tb := range plan.ToolBindings {
		path := fmt.Sprintf("tool_bindings[%d]", i)

		if !slices.Contains(env.Tools, tb.ToolID) {
			add(path+".tool_id", "tool %q is not available in environment %s", tb.ToolID, env.RecordID)
		}

		if !slices.Contains(env.Mounts, tb.Mount) {
			add(path+".mount", "mount %q is not available in environment %s", tb.Mount, env.RecordID)
		} else if other, ok := mounts[tb.Mount]; ok {
			add(path+".mount", "mount %q is already bound to tool %q", tb.Mount, other)
		}

		mounts[tb.Mount] = tb.ToolID
	}

	if !slices.Contains(tipPolicies, plan.Strategy.TipPolicy) {
		add("strategy.tip_policy", "unknown tip policy %q", plan.Strategy.TipPolicy)
	}

	if !slices.Contains(orderings, plan.Strategy.Ordering) {
		add("strategy.ordering", "unknown ordering %q", plan.Strategy.Ordering)
	}

	return issues
}

type emittedPlan struct {
	Target        models.TargetPlatform `json:"target"`
	ExecutionPlan string                `json:"execution_plan"`
	Environment   string                `json:"environment"`
	ProtocolRef   string                `json:"protocol_ref,omitempty"`
	Placements    []models.Placement    `json:"placements"`
	ToolBindings  []models.ToolBinding  `json:"tool_bindings"`
	Strategy      models.Strategy       `json:"strategy"`
}

// EmitExecutionPlan renders the target-specific artifact of plan. The output
// depends only on its inputs.
func EmitExecutionPlan(plan *models.ExecutionPlan, env *models.ExecutionEnvironment, target models.TargetPlatform) (File, error) {
	if !target.Valid() {
		return File{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, target)
	}

	if env.TargetPlatform != "" && env.TargetPlatform != target {
		return File{}, fmt.Errorf("%w: environment %s targets %s, not %s", ErrIncompatibleBindings, env.RecordID, env.TargetPlatform, target)
	}

	placements := slices.Clone(plan.Placements)
	slices.SortFunc(placements, func(a, b models.Placement) int {
		if a.Slot == b.Slot {
			return cmp.Compare(a.RoleID, b.RoleID)
		}

		return cmp.Compare(a.Slot, b.Slot)
	})

	content, err := json.MarshalIndent(emittedPlan{
		Target:        target,
		ExecutionPlan: plan.RecordID,
		Environment:   env.RecordID,
		ProtocolRef:   plan.ProtocolRef,
		Placements:    placements,
		ToolBindings:  plan.ToolBindings,
		Strategy:      plan.Strategy,
	}, "", "  ")
	if err != nil {
		return File{}, fmt.Errorf("failed to render execution plan: %w", err)
	}

	return File{
		Role:      string(target),
		Filename:  string(target) + ".json",
		MediaType: "application/json",
		Content:   append(content, '\n'),
	}, nil
}
