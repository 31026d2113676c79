package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/classifier"
	"github.com/dukex/labrun/pkg/eventbus"
	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/mocks"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newReconciler(env *testutil.Env, transport adapters.Transport, pub *mocks.RecordingPublisher) *Reconciler {
	registry := adapters.NewRegistry(transport)
	materializer := NewMaterializer(env.Repo, env.Clock, nil, log.Discard())

	var publisher eventbus.EventPublisher
	if pub != nil {
		publisher = pub
	}

	return NewReconciler(env.Repo, registry, env.Clock, materializer, publisher, ReconcilerConfig{}, log.Discard())
}

func dirSnapshot(t *testing.T, dir string) map[string]time.Time {
	t.Helper()

	out := map[string]time.Time{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		out[path] = info.ModTime()

		return nil
	})
	require.NoError(t, err)

	return out
}

func TestReconciler_NoRunningRuns(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001",
		testutil.CreateTestExecutionRun(testutil.WithStatus(models.ExecutionRunStatusCompleted)))

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	r := newReconciler(env, transport, nil)

	before := dirSnapshot(t, env.Dir)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, before, dirSnapshot(t, env.Dir))
	transport.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestReconciler_HardTimeout(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindPlannedRun, "PLR-000001",
		testutil.CreateTestPlannedRun(func(p *models.PlannedRun) { p.State = models.PlannedRunStateExecuting }))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	env.Clock.Advance(DefaultMaxRun + time.Minute)

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	pub := &mocks.RecordingPublisher{}
	r := newReconciler(env, transport, pub)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.StaleUnknownFailed)

	run := testutil.Load[models.ExecutionRun](t, env, models.KindExecutionRun, "EXR-000001")
	assert.Equal(t, models.ExecutionRunStatusFailed, run.Status)
	assert.Equal(t, models.FailureClassTerminal, run.FailureClass)
	assert.Equal(t, classifier.CodeTimeout, run.FailureCode)
	assert.Equal(t, classifier.StatusTimeout, run.LastStatusRaw)
	require.NotNil(t, run.LastPolledAt)

	planned := testutil.Load[models.PlannedRun](t, env, models.KindPlannedRun, "PLR-000001")
	assert.Equal(t, models.PlannedRunStateFailed, planned.State)

	transport.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
	assert.Equal(t, []events.EventType{events.ExecutionRunFailedEvent}, pub.Types())
}

func TestReconciler_StaleUnknown(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	transport.On("Status", mock.Anything, mock.Anything).
		Return(&adapters.StatusResult{Normalized: adapters.StatusUnknown, Raw: "weird"}, nil)

	r := newReconciler(env, transport, nil)

	// inside the staleness window the run stays running
	env.Clock.Advance(10 * time.Minute)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 0, summary.Failed)

	run := testutil.Load[models.ExecutionRun](t, env, models.KindExecutionRun, "EXR-000001")
	assert.Equal(t, models.ExecutionRunStatusRunning, run.Status)
	assert.Equal(t, "weird", run.LastStatusRaw)

	env.Clock.Advance(DefaultStaleUnknown)

	summary, err = r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.StaleUnknownFailed)

	run = testutil.Load[models.ExecutionRun](t, env, models.KindExecutionRun, "EXR-000001")
	assert.Equal(t, models.ExecutionRunStatusFailed, run.Status)
	assert.Equal(t, classifier.CodeStaleUnknown, run.FailureCode)
}

func TestReconciler_StatusErrorCountsAsUnknown(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	transport.On("Status", mock.Anything, mock.Anything).
		Return(nil, &adapters.DispatchError{Op: "status", StatusRaw: "http_503", Err: errors.New("unavailable")})

	r := newReconciler(env, transport, nil)
	env.Clock.Advance(DefaultStaleUnknown + time.Second)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StaleUnknownFailed)
}

func TestReconciler_Completed(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindPlannedRun, "PLR-000001",
		testutil.CreateTestPlannedRun(func(p *models.PlannedRun) { p.State = models.PlannedRunStateExecuting }))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	transport.On("Status", mock.Anything, mock.Anything).
		Return(&adapters.StatusResult{Raw: "succeeded"}, nil)

	pub := &mocks.RecordingPublisher{}
	r := newReconciler(env, transport, pub)
	env.Clock.Advance(time.Minute)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, &PollSummary{Scanned: 1, Updated: 1, Completed: 1}, summary)

	run := testutil.Load[models.ExecutionRun](t, env, models.KindExecutionRun, "EXR-000001")
	assert.Equal(t, models.ExecutionRunStatusCompleted, run.Status)
	assert.Equal(t, "EG-000001", run.MaterializedEventGraphID)

	planned := testutil.Load[models.PlannedRun](t, env, models.KindPlannedRun, "PLR-000001")
	assert.Equal(t, models.PlannedRunStateCompleted, planned.State)

	assert.Equal(t, []events.EventType{events.ExecutionRunCompletedEvent}, pub.Types())

	// a second scan no longer sees the run
	summary, err = r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
}

func TestReconciler_AdapterFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	transport.On("Status", mock.Anything, mock.Anything).
		Return(&adapters.StatusResult{Normalized: adapters.StatusFailed, Raw: "failed", Failure: &adapters.Failure{Class: "transient", Code: "TIP_PICKUP"}}, nil)

	r := newReconciler(env, transport, nil)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	run := testutil.Load[models.ExecutionRun](t, env, models.KindExecutionRun, "EXR-000001")
	assert.Equal(t, models.FailureClassTransient, run.FailureClass)
	assert.Equal(t, "TIP_PICKUP", run.FailureCode)
	assert.True(t, run.RetryRecommended)
}

func TestReconciler_SingleFlight(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun())

	entered := make(chan struct{})
	release := make(chan struct{})

	transport := mocks.NewMockTransport("simulator", models.ExecutionModeSimulator)
	transport.On("Status", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&adapters.StatusResult{Normalized: adapters.StatusRunning, Raw: "running"}, nil).
		Once()

	r := newReconciler(env, transport, nil)

	done := make(chan *PollSummary)

	go func() {
		summary, err := r.Scan(t.Context())
		assert.NoError(t, err)
		done <- summary
	}()

	<-entered
	assert.True(t, r.InFlight())

	busy, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.True(t, busy.SkippedBusy)
	assert.Equal(t, 0, busy.Scanned)

	close(release)

	first := <-done
	assert.False(t, first.SkippedBusy)
	assert.Equal(t, 1, first.Scanned)
	assert.False(t, r.InFlight())
}

func TestPollSummary_Map(t *testing.T) {
	s := &PollSummary{Scanned: 3, Updated: 2, Completed: 1, Failed: 1, StaleUnknownFailed: 1}

	assert.Equal(t, map[string]any{
		"scanned":            3,
		"updated":            2,
		"completed":          1,
		"failed":             1,
		"staleUnknownFailed": 1,
	}, s.Map())
}
