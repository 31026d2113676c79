package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/mocks"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const owner = "host-a:100:aaaaaaaa"

func config(env *testutil.Env) Config {
	return Config{Repo: env.Repo, Clock: env.Clock, Owner: owner, DefaultInterval: time.Hour}
}

func countingCycle(calls *atomic.Int32, err error) Cycle {
	return func(context.Context) (map[string]any, error) {
		n := calls.Add(1)

		return map[string]any{"calls": int(n)}, err
	}
}

func seedLease(t *testing.T, env *testutil.Env, name, holder string, expires time.Time) {
	t.Helper()

	testutil.Seed(t, env, models.KindWorkerState, name, &models.WorkerState{
		WorkerID:       name,
		Running:        true,
		IntervalMs:     15000,
		LeaseOwner:     holder,
		LeaseExpiresAt: &expires,
	})
}

func TestLeaseTTL(t *testing.T) {
	assert.Equal(t, 30*time.Second, LeaseTTL(time.Second))
	assert.Equal(t, 45*time.Second, LeaseTTL(15*time.Second))
	assert.Equal(t, 3*time.Minute, LeaseTTL(time.Minute))
}

func TestNewOwner(t *testing.T) {
	a, b := NewOwner(), NewOwner()
	assert.Regexp(t, `^.+:[0-9]+:[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestWorker_LeaseHeldElsewhere(t *testing.T) {
	env := testutil.NewEnv(t)
	expires := testutil.Epoch.Add(time.Minute)
	seedLease(t, env, models.WorkerExecutionPoller, "host-b:200:bbbbbbbb", expires)

	var calls atomic.Int32
	w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard())

	status, err := w.Start(t.Context(), 0, StartOptions{})
	require.ErrorIs(t, err, ErrLeaseHeld)
	assert.False(t, status.Running)
	require.NotNil(t, status.LeaseBlockedBy)
	assert.Equal(t, "host-b:200:bbbbbbbb", status.LeaseBlockedBy.Owner)
	assert.True(t, expires.Equal(*status.LeaseBlockedBy.ExpiresAt))

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.Equal(t, "host-b:200:bbbbbbbb", stored.LeaseOwner)

	taken, err := w.Start(t.Context(), 0, StartOptions{ForceTakeover: true})
	require.NoError(t, err)
	assert.True(t, taken.Running)
	assert.Nil(t, taken.LeaseBlockedBy)
	assert.Equal(t, owner, taken.LeaseOwner)
	assert.Equal(t, int64(time.Hour/time.Millisecond), taken.IntervalMs)

	stored = testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.Equal(t, owner, stored.LeaseOwner)
	assert.True(t, testutil.Epoch.Add(3*time.Hour).Equal(*stored.LeaseExpiresAt))

	stopped, err := w.Stop(t.Context())
	require.NoError(t, err)
	assert.False(t, stopped.Running)

	stored = testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.False(t, stored.Running)
	assert.Empty(t, stored.LeaseOwner)
	assert.Zero(t, calls.Load())
}

func TestWorker_ExpiredLeaseIsTaken(t *testing.T) {
	env := testutil.NewEnv(t)
	seedLease(t, env, models.WorkerRetry, "host-b:200:bbbbbbbb", testutil.Epoch.Add(-time.Second))

	var calls atomic.Int32
	w := New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard())

	status, err := w.Start(t.Context(), 0, StartOptions{})
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, owner, status.LeaseOwner)

	again, err := w.Start(t.Context(), time.Minute, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, status.IntervalMs, again.IntervalMs, "starting a running worker changes nothing")

	_, err = w.Stop(t.Context())
	require.NoError(t, err)
}

func TestWorker_RunOnceRecordsState(t *testing.T) {
	env := testutil.NewEnv(t)

	var calls atomic.Int32
	failing := errors.New("record store unavailable")
	fail := true

	w := New(models.WorkerIncidentScanner, func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		if fail {
			return nil, failing
		}

		return map[string]any{"opened": 0}, nil
	}, config(env), log.Discard())

	for range 2 {
		_, err := w.RunOnce(t.Context())
		require.ErrorIs(t, err, failing)
	}

	status := w.Status()
	assert.Equal(t, 2, status.ErrorStreak)
	assert.Equal(t, failing.Error(), status.LastError)
	assert.False(t, status.Running)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerIncidentScanner)
	assert.Equal(t, 2, stored.ErrorStreak)
	assert.False(t, stored.Running)
	assert.Empty(t, stored.LeaseOwner)

	fail = false
	env.Clock.Advance(time.Minute)

	summary, err := w.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"opened": 0}, summary)

	stored = testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerIncidentScanner)
	assert.Zero(t, stored.ErrorStreak)
	assert.Empty(t, stored.LastError)
	assert.Equal(t, map[string]any{"opened": float64(0)}, stored.LastRunSummary)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, testutil.Epoch.Add(time.Minute).Equal(*stored.LastRunAt))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWorker_RunOnceIsSingleFlight(t *testing.T) {
	env := testutil.NewEnv(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	w := New(models.WorkerRetry, func(context.Context) (map[string]any, error) {
		close(entered)
		<-release

		return map[string]any{"retried": 0}, nil
	}, config(env), log.Discard())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = w.RunOnce(context.Background())
	}()

	<-entered
	assert.True(t, w.Status().InFlight)

	summary, err := w.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"skippedBusy": true}, summary)

	close(release)
	<-done
	assert.False(t, w.Status().InFlight)
}

func TestWorker_RefreshesLeaseWhileRunning(t *testing.T) {
	env := testutil.NewEnv(t)

	var calls atomic.Int32
	w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard())

	_, err := w.Start(t.Context(), 0, StartOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

	env.Clock.Advance(2 * time.Hour)

	_, err = w.RunOnce(t.Context())
	require.NoError(t, err)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.True(t, stored.Running)
	assert.True(t, testutil.Epoch.Add(5*time.Hour).Equal(*stored.LeaseExpiresAt))
}

func TestWorker_Restore(t *testing.T) {
	t.Run("resumes a worker left running", func(t *testing.T) {
		env := testutil.NewEnv(t)
		seedLease(t, env, models.WorkerExecutionPoller, "host-b:200:bbbbbbbb", testutil.Epoch.Add(-time.Minute))

		var calls atomic.Int32
		w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard())

		require.NoError(t, w.Restore(t.Context()))
		require.NoError(t, w.Restore(t.Context()))

		t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

		status := w.Status()
		assert.True(t, status.Running)
		assert.Equal(t, int64(15000), status.IntervalMs)
		assert.Equal(t, owner, status.LeaseOwner)
	})

	t.Run("stays stopped while the lease is held", func(t *testing.T) {
		env := testutil.NewEnv(t)
		seedLease(t, env, models.WorkerExecutionPoller, "host-b:200:bbbbbbbb", testutil.Epoch.Add(time.Minute))

		var calls atomic.Int32
		w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard())

		require.NoError(t, w.Restore(t.Context()))

		t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

		status := w.Status()
		assert.False(t, status.Running)
		assert.True(t, status.Standby)
		require.NotNil(t, status.LeaseBlockedBy)
		assert.Equal(t, "host-b:200:bbbbbbbb", status.LeaseBlockedBy.Owner)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		env := testutil.NewEnv(t)

		var calls atomic.Int32
		w := New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard())

		require.NoError(t, w.Restore(t.Context()))
		assert.False(t, w.Status().Running)
	})
}

func TestWorker_StartsWhenStateStoreIsDown(t *testing.T) {
	store := &mocks.MockRecordStore{}
	store.On("Get", mock.Anything, models.WorkerExecutionPoller).Return(nil, errors.New("store unavailable"))

	var calls atomic.Int32
	w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), Config{
		Repo:            records.NewRepository(store),
		Clock:           testutil.NewEnv(t).Clock,
		Owner:           owner,
		DefaultInterval: time.Hour,
	}, log.Discard())

	status, err := w.Start(t.Context(), 0, StartOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

	assert.True(t, status.Running)
	assert.Equal(t, owner, status.LeaseOwner)
	assert.Nil(t, status.LeaseBlockedBy)

	summary, err := w.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"calls": 1}, summary)
	assert.True(t, w.Status().Running)
}

func TestWorker_RunOnceReclaimsUnpersistedLease(t *testing.T) {
	env := testutil.NewEnv(t)

	var calls atomic.Int32
	w := New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard())

	_, err := w.Start(t.Context(), 0, StartOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

	// the lease write was lost, as after a store outage
	_, err = records.Mutate(t.Context(), env.Repo, models.KindWorkerState, models.WorkerExecutionPoller, "drop lease",
		func(s *models.WorkerState) error {
			s.Running = false
			s.LeaseOwner = ""
			s.LeaseExpiresAt = nil

			return nil
		})
	require.NoError(t, err)

	_, err = w.RunOnce(t.Context())
	require.NoError(t, err)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.True(t, stored.Running)
	assert.Equal(t, owner, stored.LeaseOwner)
	require.NotNil(t, stored.LeaseExpiresAt)
	assert.True(t, testutil.Epoch.Add(3*time.Hour).Equal(*stored.LeaseExpiresAt))
}

func TestWorker_StandbyAcquiresExpiredLease(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}

	env := testutil.NewEnv(t)
	expires := testutil.Epoch.Add(30 * time.Second)
	testutil.Seed(t, env, models.KindWorkerState, models.WorkerRetry, &models.WorkerState{
		WorkerID:       models.WorkerRetry,
		Running:        true,
		IntervalMs:     1000,
		LeaseOwner:     "host-a:100:deadbeef",
		LeaseExpiresAt: &expires,
	})

	var calls atomic.Int32
	w := New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard())

	require.NoError(t, w.Restore(t.Context()))

	t.Cleanup(func() { _, _ = w.Stop(context.Background()) })

	status := w.Status()
	require.False(t, status.Running)
	require.True(t, status.Standby)

	env.Clock.Advance(10 * time.Minute)

	assert.Eventually(t, func() bool { return w.Status().Running }, 5*time.Second, 50*time.Millisecond)

	status = w.Status()
	assert.False(t, status.Standby)
	assert.Nil(t, status.LeaseBlockedBy)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerRetry)
	assert.Equal(t, owner, stored.LeaseOwner)
}

func TestWorker_StopEndsStandby(t *testing.T) {
	env := testutil.NewEnv(t)
	seedLease(t, env, models.WorkerIncidentScanner, "host-b:200:bbbbbbbb", testutil.Epoch.Add(time.Minute))

	var calls atomic.Int32
	w := New(models.WorkerIncidentScanner, countingCycle(&calls, nil), config(env), log.Discard())

	status := w.StandBy(t.Context(), 0)
	assert.True(t, status.Standby)

	status = w.StandBy(t.Context(), 0)
	assert.True(t, status.Standby)

	status, err := w.Stop(t.Context())
	require.NoError(t, err)
	assert.False(t, status.Standby)
	assert.False(t, status.Running)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerIncidentScanner)
	assert.Equal(t, "host-b:200:bbbbbbbb", stored.LeaseOwner)
}

func TestWorker_ScheduledCycles(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}

	env := testutil.NewEnv(t)

	var calls atomic.Int32
	w := New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard())

	_, err := w.Start(t.Context(), time.Second, StartOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	_, err = w.Stop(t.Context())
	require.NoError(t, err)

	after := calls.Load()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no cycles after Stop")
}

func TestWorker_YieldsToForcedTakeover(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}

	env := testutil.NewEnv(t)

	var calls atomic.Int32
	w := New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard())

	_, err := w.Start(t.Context(), time.Second, StartOptions{})
	require.NoError(t, err)

	other := New(models.WorkerRetry, countingCycle(&calls, nil), Config{
		Repo: env.Repo, Clock: env.Clock, Owner: "host-b:200:bbbbbbbb", DefaultInterval: time.Hour,
	}, log.Discard())

	_, err = other.Start(t.Context(), 0, StartOptions{ForceTakeover: true})
	require.NoError(t, err)

	t.Cleanup(func() { _, _ = other.Stop(context.Background()) })

	assert.Eventually(t, func() bool { return !w.Status().Running }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "host-b:200:bbbbbbbb", w.Status().LeaseBlockedBy.Owner)

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerRetry)
	assert.Equal(t, "host-b:200:bbbbbbbb", stored.LeaseOwner)
}

func TestPoller_NothingRunning(t *testing.T) {
	env := testutil.NewEnv(t)

	reconciler := services.NewReconciler(env.Repo, adapters.NewRegistry(), env.Clock, nil, nil, services.ReconcilerConfig{}, log.Discard())
	poller := NewPoller(reconciler, Config{Repo: env.Repo, Clock: env.Clock, Owner: owner}, log.Discard())

	assert.Equal(t, models.WorkerExecutionPoller, poller.Name())
	assert.Equal(t, DefaultPollInterval.Milliseconds(), poller.Status().IntervalMs)

	summary, err := poller.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, summary["scanned"])
	assert.Equal(t, 0, summary["updated"])

	stored := testutil.Load[models.WorkerState](t, env, models.KindWorkerState, models.WorkerExecutionPoller)
	assert.Equal(t, float64(0), stored.LastRunSummary["scanned"])
}

func TestSet(t *testing.T) {
	env := testutil.NewEnv(t)

	var calls atomic.Int32
	set := NewSet(
		New(models.WorkerRetry, countingCycle(&calls, nil), config(env), log.Discard()),
		New(models.WorkerExecutionPoller, countingCycle(&calls, nil), config(env), log.Discard()),
	)

	names := []string{}
	for _, w := range set.All() {
		names = append(names, w.Name())
	}

	assert.Equal(t, []string{models.WorkerExecutionPoller, models.WorkerRetry}, names)

	_, err := set.Get("nope")
	require.ErrorIs(t, err, ErrUnknownWorker)

	w, err := set.Get(models.WorkerRetry)
	require.NoError(t, err)

	_, err = w.Start(t.Context(), 0, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, set.RestoreAll(t.Context()))
	require.NoError(t, set.StopAll(t.Context()))
	assert.False(t, w.Status().Running)
}
