// Package testutil provides test data builders and a file-backed record
// environment for package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence/file"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/schema"
	"github.com/stretchr/testify/require"
)

// Epoch is the start time of every Env clock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Env is a schema-gated file record store with an artifact store and a
// fake clock, all rooted in a test temp dir.
type Env struct {
	Dir       string
	Store     *file.Persistence
	Artifacts *file.ArtifactStore
	Repo      *records.Repository
	Schemas   *schema.Registry
	Clock     *clock.Fake
}

// NewEnv creates an empty environment.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	dir := t.TempDir()
	schemas := schema.MustLoad()
	clk := clock.NewFake(Epoch)
	store := file.NewPersistence(dir, schemas, clk)

	require.NoError(t, store.HealthCheck(t.Context()))

	return &Env{
		Dir:       dir,
		Store:     store,
		Artifacts: file.NewArtifactStore(dir),
		Repo:      records.NewRepository(store),
		Schemas:   schemas,
		Clock:     clk,
	}
}

// Seed inserts value under id.
func Seed[T any](t *testing.T, env *Env, kind models.Kind, id string, value *T) *T {
	t.Helper()

	rec, err := records.Insert(t.Context(), env.Repo, kind, id, "seed "+id, value)
	require.NoError(t, err)

	return rec.Value
}

// Load reads the record id.
func Load[T any](t *testing.T, env *Env, kind models.Kind, id string) *T {
	t.Helper()

	rec, err := records.Get[T](t.Context(), env.Repo, kind, id)
	require.NoError(t, err)

	return rec.Value
}

// CreateTestProtocol creates a two-labware transfer protocol with default
// values that can be overridden.
func CreateTestProtocol(overrides ...func(*models.Protocol)) *models.Protocol {
	p := &models.Protocol{
		RecordID: "PRO-000001",
		Title:    "Serial dilution",
		Roles: []models.ProtocolRole{
			{RoleID: "source", Kind: "labware"},
			{RoleID: "destination", Kind: "labware"},
		},
		Steps: []models.ProtocolStep{
			{ID: "s1", Action: "transfer", SourceRole: "source", TargetRole: "destination", VolumeUL: 50},
			{ID: "s2", Action: "mix", TargetRole: "destination"},
		},
	}

	for _, override := range overrides {
		override(p)
	}

	return p
}

// CreateTestPlannedRun creates a ready planned run bound to
// CreateTestProtocol's roles.
func CreateTestPlannedRun(overrides ...func(*models.PlannedRun)) *models.PlannedRun {
	run := &models.PlannedRun{
		RecordID:   "PLR-000001",
		Title:      "Dilution run",
		SourceType: models.SourceTypeProtocol,
		SourceRef:  "PRO-000001",
		Bindings: models.Bindings{Labware: []models.LabwareBinding{
			{RoleID: "source", LabwareRef: "LW-1"},
			{RoleID: "destination", LabwareRef: "LW-2"},
		}},
		State: models.PlannedRunStateReady,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// CreateTestRobotPlan creates a compiled integra plan with one artifact at
// records/robot-artifact/integra_assist/<id>.xml.
func CreateTestRobotPlan(overrides ...func(*models.RobotPlan)) *models.RobotPlan {
	plan := &models.RobotPlan{
		ID:             "RP-000001",
		PlannedRunRef:  "PLR-000001",
		TargetPlatform: models.PlatformIntegraAssist,
		Status:         models.RobotPlanStatusCompiled,
		Artifacts: []models.ArtifactRef{{
			Role:      "integra_vialab_xml",
			Path:      "records/robot-artifact/integra_assist/RP-000001.xml",
			MediaType: "application/xml",
		}},
		Instructions: []models.Instruction{
			{Index: 0, Command: "transfer"},
			{Index: 1, Command: "mix"},
		},
	}

	for _, override := range overrides {
		override(plan)
	}

	return plan
}

// CreateTestExecutionRun creates a running first attempt of RP-000001 on
// the simulator, started at Epoch.
func CreateTestExecutionRun(overrides ...func(*models.ExecutionRun)) *models.ExecutionRun {
	run := &models.ExecutionRun{
		RecordID:      "EXR-000001",
		RobotPlanRef:  "RP-000001",
		PlannedRunRef: "PLR-000001",
		Attempt:       1,
		Status:        models.ExecutionRunStatusRunning,
		Mode:          models.ExecutionModeSimulator,
		AdapterID:     "simulator",
		StartedAt:     Epoch,
		ExternalRunID: "sim-EXR-000001",
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// WithStatus sets a terminal status and completion time on a run.
func WithStatus(status models.ExecutionRunStatus) func(*models.ExecutionRun) {
	return func(r *models.ExecutionRun) {
		r.Status = status

		if status.Terminal() {
			at := r.StartedAt.Add(time.Minute)
			r.CompletedAt = &at
		}
	}
}

// WithFailure marks a run failed with the given class and code.
func WithFailure(class models.FailureClass, code string) func(*models.ExecutionRun) {
	return func(r *models.ExecutionRun) {
		r.MarkFailed(r.StartedAt.Add(time.Minute), models.Failure{
			Class:            class,
			RetryRecommended: class == models.FailureClassTransient,
			Code:             code,
			Reason:           "test failure",
		})
	}
}
