package schema

import (
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, kind models.Kind, id string, payload any) *models.Envelope {
	t.Helper()

	env, err := models.NewEnvelope(kind, id, payload)
	require.NoError(t, err)

	return env
}

func TestLoad(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)
	assert.Len(t, r.records, len(models.Kinds()))
	assert.Len(t, r.params, len(models.Platforms()))
}

func TestRegistry_ValidatePlannedRun(t *testing.T) {
	r := MustLoad()

	valid := envelope(t, models.KindPlannedRun, "PLR-000001", &models.PlannedRun{
		RecordID:   "PLR-000001",
		Title:      "Plate prep",
		SourceType: models.SourceTypeProtocol,
		SourceRef:  "PRO-000001",
		State:      models.PlannedRunStateDraft,
	})
	assert.Empty(t, r.Validate(valid))
	assert.Empty(t, r.Lint(valid))

	invalid := envelope(t, models.KindPlannedRun, "PLR-000002", map[string]any{
		"record_id":   "PLR-000002",
		"title":       "x",
		"source_type": "spreadsheet",
		"source_ref":  "PRO-000001",
		"bindings":    map[string]any{},
		"state":       "ready",
	})
	issues := r.Validate(invalid)
	require.NotEmpty(t, issues)
	assert.Equal(t, "source_type", issues[0].Path)
}

func TestRegistry_ValidateUnknownKind(t *testing.T) {
	r := MustLoad()

	issues := r.Validate(&models.Envelope{RecordID: "X-1", Kind: "spreadsheet", Data: []byte(`{}`)})
	require.Len(t, issues, 1)
	assert.Equal(t, "kind", issues[0].Path)
}

func TestRegistry_LintExecutionRun(t *testing.T) {
	r := MustLoad()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		run       models.ExecutionRun
		wantPaths []string
	}{
		{
			name: "running",
			run:  models.ExecutionRun{RecordID: "EXR-000001", Attempt: 1, Status: models.ExecutionRunStatusRunning, StartedAt: started},
		},
		{
			name:      "completed without completed_at",
			run:       models.ExecutionRun{RecordID: "EXR-000001", Attempt: 1, Status: models.ExecutionRunStatusCompleted, StartedAt: started},
			wantPaths: []string{"completed_at"},
		},
		{
			name: "failed without class",
			run: func() models.ExecutionRun {
				run := models.ExecutionRun{RecordID: "EXR-000001", Attempt: 1, Status: models.ExecutionRunStatusRunning, StartedAt: started}
				run.MarkFailed(started.Add(time.Minute), models.Failure{})

				return run
			}(),
			wantPaths: []string{"failure_class"},
		},
		{
			name:      "self parent",
			run:       models.ExecutionRun{RecordID: "EXR-000001", ParentExecutionRunRef: "EXR-000001", Attempt: 2, Status: models.ExecutionRunStatusRunning, StartedAt: started},
			wantPaths: []string{"parent_execution_run_ref"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := r.Lint(envelope(t, models.KindExecutionRun, "EXR-000001", &tt.run))

			paths := make([]string, 0, len(issues))
			for _, i := range issues {
				paths = append(paths, i.Path)
			}

			assert.ElementsMatch(t, tt.wantPaths, paths)
		})
	}
}

func TestRegistry_LintRecordIDMismatch(t *testing.T) {
	r := MustLoad()

	env := envelope(t, models.KindPlannedRun, "PLR-000001", &models.PlannedRun{RecordID: "PLR-000009", Title: "x"})
	issues := r.Lint(env)
	require.Len(t, issues, 1)
	assert.Equal(t, "record_id", issues[0].Path)
}

func TestRegistry_LintWorkerLease(t *testing.T) {
	r := MustLoad()

	env := envelope(t, models.KindWorkerState, models.WorkerRetry, &models.WorkerState{WorkerID: models.WorkerRetry, Running: true})
	assert.NotEmpty(t, r.Lint(env))

	expires := time.Now().Add(time.Minute)
	env = envelope(t, models.KindWorkerState, models.WorkerRetry, &models.WorkerState{
		WorkerID:       models.WorkerRetry,
		Running:        true,
		LeaseOwner:     "host:1:abcd1234",
		LeaseExpiresAt: &expires,
	})
	assert.Empty(t, r.Lint(env))
	assert.Empty(t, r.Validate(env))
}

func TestRegistry_ValidateParameters(t *testing.T) {
	r := MustLoad()

	issues, err := r.ValidateParameters(models.PlatformIntegraAssist, map[string]any{"simulate": true})
	require.NoError(t, err)
	assert.Empty(t, issues)

	issues, err = r.ValidateParameters(models.PlatformIntegraAssist, nil)
	require.NoError(t, err)
	assert.Empty(t, issues)

	issues, err = r.ValidateParameters(models.PlatformOpentronsOT2, map[string]any{"simulate": true, "turbo": 1})
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, []string{"turbo"}, IssueKeys(issues))

	issues, err = r.ValidateParameters(models.PlatformIntegraAssist, map[string]any{"simulate": "yes"})
	require.NoError(t, err)
	assert.NotEmpty(t, issues)

	_, err = r.ValidateParameters("tecan_fluent", nil)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}
