package services

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ExecuteRobotPlan(ctx context.Context, robotPlanID string, opts ExecuteOptions) (*ExecuteResult, error) {
	args := m.Called(ctx, robotPlanID, opts)

	res, _ := args.Get(0).(*ExecuteResult)

	return res, args.Error(1)
}

func newExecutionRuns(env *testutil.Env, exec Executor) *ExecutionRuns {
	control := NewControl(env.Repo, adapters.NewRegistry(), env.Clock, nil, log.Discard())
	materializer := NewMaterializer(env.Repo, env.Clock, nil, log.Discard())

	return NewExecutionRuns(env.Repo, exec, control, materializer, log.Discard())
}

func childRun(id, parent string, attempt int, overrides ...func(*models.ExecutionRun)) *models.ExecutionRun {
	return testutil.CreateTestExecutionRun(append([]func(*models.ExecutionRun){func(r *models.ExecutionRun) {
		r.RecordID = id
		r.ParentExecutionRunRef = parent
		r.Attempt = attempt
	}}, overrides...)...)
}

func TestExecutionRuns_Lineage(t *testing.T) {
	env := testutil.NewEnv(t)
	failed := testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP")

	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(failed))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "EXR-000001", 2, failed))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000003", childRun("EXR-000003", "EXR-000002", 3))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000004", childRun("EXR-000004", "", 1, func(r *models.ExecutionRun) {
		r.RobotPlanRef = "RP-000002"
	}))

	svc := newExecutionRuns(env, &mockExecutor{})

	for _, id := range []string{"EXR-000001", "EXR-000002", "EXR-000003"} {
		lineage, err := svc.Lineage(t.Context(), id)
		require.NoError(t, err)

		ids := make([]string, 0, len(lineage))
		for _, r := range lineage {
			ids = append(ids, r.RecordID)
		}

		assert.Equal(t, []string{"EXR-000001", "EXR-000002", "EXR-000003"}, ids, "from %s", id)
	}

	_, err := svc.Lineage(t.Context(), "EXR-000404")
	assert.True(t, IsNotFound(err))
}

func TestExecutionRuns_Retry(t *testing.T) {
	t.Run("failed run dispatches a child", func(t *testing.T) {
		env := testutil.NewEnv(t)
		testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(
			testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP"),
			func(r *models.ExecutionRun) { r.Parameters = map[string]any{"simulate": true} },
		))

		exec := &mockExecutor{}
		exec.On("ExecuteRobotPlan", mock.Anything, "RP-000001", ExecuteOptions{
			ParentExecutionRunID: "EXR-000001",
			Parameters:           map[string]any{"simulate": true},
		}).Return(&ExecuteResult{ExecutionRunID: "EXR-000002", LogID: "ILOG-000001", Status: models.ExecutionRunStatusCompleted}, nil)

		res, err := newExecutionRuns(env, exec).Retry(t.Context(), "EXR-000001", false)
		require.NoError(t, err)
		assert.Equal(t, "EXR-000002", res.ExecutionRunID)
		exec.AssertExpectations(t)
	})

	t.Run("completed run conflicts", func(t *testing.T) {
		env := testutil.NewEnv(t)
		testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001",
			testutil.CreateTestExecutionRun(testutil.WithStatus(models.ExecutionRunStatusCompleted)))

		exec := &mockExecutor{}

		_, err := newExecutionRuns(env, exec).Retry(t.Context(), "EXR-000001", true)
		assert.True(t, IsConflict(err))
		exec.AssertNotCalled(t, "ExecuteRobotPlan", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("running run needs force", func(t *testing.T) {
		env := testutil.NewEnv(t)
		testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

		exec := &mockExecutor{}
		exec.On("ExecuteRobotPlan", mock.Anything, "RP-000001", mock.Anything).
			Return(&ExecuteResult{ExecutionRunID: "EXR-000002", Status: models.ExecutionRunStatusRunning}, nil).Once()

		svc := newExecutionRuns(env, exec)

		_, err := svc.Retry(t.Context(), "EXR-000001", false)
		assert.True(t, IsConflict(err))

		_, err = svc.Retry(t.Context(), "EXR-000001", true)
		require.NoError(t, err)
		exec.AssertExpectations(t)
	})

	t.Run("already retried run needs force", func(t *testing.T) {
		env := testutil.NewEnv(t)
		failed := testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP")
		testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(failed))
		testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "EXR-000001", 2, failed))

		_, err := newExecutionRuns(env, &mockExecutor{}).Retry(t.Context(), "EXR-000001", false)
		assert.True(t, IsConflict(err))
		assert.Contains(t, err.Error(), "EXR-000002")
	})

	t.Run("missing run", func(t *testing.T) {
		env := testutil.NewEnv(t)

		_, err := newExecutionRuns(env, &mockExecutor{}).Retry(t.Context(), "EXR-000404", false)
		assert.True(t, IsNotFound(err))
	})
}

func TestExecutionRuns_Resolve(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001",
		testutil.CreateTestExecutionRun(testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP")))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "", 1, func(r *models.ExecutionRun) {
		r.RobotPlanRef = "RP-000002"
	}))

	svc := newExecutionRuns(env, &mockExecutor{})

	run, err := svc.Resolve(t.Context(), "EXR-000001", "  ")
	require.NoError(t, err)
	assert.Equal(t, "resolved by operator", run.Resolution)
	assert.False(t, run.RetryRecommended)
	assert.Equal(t, models.FailureClassTransient, run.FailureClass)

	again, err := svc.Resolve(t.Context(), "EXR-000001", "")
	require.NoError(t, err)
	assert.Equal(t, run.Resolution, again.Resolution)

	_, err = svc.Resolve(t.Context(), "EXR-000002", "done")
	assert.True(t, IsConflict(err))
}

func TestExecutionRuns_List(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001",
		testutil.CreateTestExecutionRun(testutil.WithStatus(models.ExecutionRunStatusCompleted)))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "", 1, func(r *models.ExecutionRun) {
		r.RobotPlanRef = "RP-000002"
	}))

	svc := newExecutionRuns(env, &mockExecutor{})

	all, err := svc.List(t.Context(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := svc.List(t.Context(), ListFilter{Status: models.ExecutionRunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "EXR-000002", running[0].RecordID)

	byPlan, err := svc.List(t.Context(), ListFilter{RobotPlanRef: "RP-000001"})
	require.NoError(t, err)
	require.Len(t, byPlan, 1)
	assert.Equal(t, "EXR-000001", byPlan[0].RecordID)
}

func TestExecutionRuns_ScanRetries(t *testing.T) {
	env := testutil.NewEnv(t)
	transient := testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP")

	// retried already
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(transient))
	// eligible
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "EXR-000001", 2, transient))
	// terminal class
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000003", childRun("EXR-000003", "", 1,
		testutil.WithFailure(models.FailureClassTerminal, "INVALID_PROTOCOL"),
		func(r *models.ExecutionRun) { r.RobotPlanRef = "RP-000002" }))
	// capped: third run of one lineage
	onPlan3 := func(r *models.ExecutionRun) { r.RobotPlanRef = "RP-000003" }
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000006", childRun("EXR-000006", "", 1, transient, onPlan3))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000007", childRun("EXR-000007", "EXR-000006", 2, transient, onPlan3))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000004", childRun("EXR-000004", "EXR-000007", 3, transient, onPlan3))
	// resolved
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000005", childRun("EXR-000005", "", 1, transient,
		func(r *models.ExecutionRun) {
			r.RobotPlanRef = "RP-000004"
			r.Resolution = "bench cleaned"
		}))

	exec := &mockExecutor{}
	exec.On("ExecuteRobotPlan", mock.Anything, "RP-000001", ExecuteOptions{ParentExecutionRunID: "EXR-000002"}).
		Return(&ExecuteResult{ExecutionRunID: "EXR-000008", Status: models.ExecutionRunStatusRunning}, nil).Once()

	summary, err := newExecutionRuns(env, exec).ScanRetries(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, &RetrySummary{Scanned: 7, Eligible: 2, Retried: 1, Capped: 1}, summary)
	exec.AssertExpectations(t)
}

func TestExecutionRuns_ScanRetriesDispatchFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001",
		testutil.CreateTestExecutionRun(testutil.WithFailure(models.FailureClassTransient, "ADAPTER_UNREACHABLE")))

	exec := &mockExecutor{}
	exec.On("ExecuteRobotPlan", mock.Anything, "RP-000001", mock.Anything).
		Return(&ExecuteResult{ExecutionRunID: "EXR-000002", Status: models.ExecutionRunStatusFailed}, errors.New("connection refused"))

	summary, err := newExecutionRuns(env, exec).ScanRetries(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Failed)
}

func TestExecutionRuns_ScanRetriesCapsOnLineageDepth(t *testing.T) {
	env := testutil.NewEnv(t)

	// two earlier manual runs of the same plan
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", childRun("EXR-000001", "", 1,
		testutil.WithStatus(models.ExecutionRunStatusCompleted)))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "", 2,
		testutil.WithStatus(models.ExecutionRunStatusCompleted)))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000003", childRun("EXR-000003", "", 3,
		testutil.WithFailure(models.FailureClassTransient, "NETWORK_ERROR")))

	exec := &mockExecutor{}
	exec.On("ExecuteRobotPlan", mock.Anything, "RP-000001", ExecuteOptions{ParentExecutionRunID: "EXR-000003"}).
		Return(&ExecuteResult{ExecutionRunID: "EXR-000004", Status: models.ExecutionRunStatusRunning}, nil).Once()

	summary, err := newExecutionRuns(env, exec).ScanRetries(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, &RetrySummary{Scanned: 1, Eligible: 1, Retried: 1}, summary)
	exec.AssertExpectations(t)
}

func TestLineageDepth(t *testing.T) {
	byID := map[string]*models.ExecutionRun{
		"EXR-000001": childRun("EXR-000001", "", 1),
		"EXR-000002": childRun("EXR-000002", "EXR-000001", 2),
		"EXR-000003": childRun("EXR-000003", "EXR-000002", 3),
		"EXR-000004": childRun("EXR-000004", "EXR-000099", 4),
		"EXR-000005": childRun("EXR-000005", "EXR-000006", 5),
		"EXR-000006": childRun("EXR-000006", "EXR-000005", 6),
	}

	tests := []struct {
		id   string
		want int
	}{
		{"EXR-000001", 1},
		{"EXR-000003", 3},
		{"EXR-000004", 1},
		{"EXR-000005", 2},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, lineageDepth(byID, byID[tt.id]))
		})
	}
}
