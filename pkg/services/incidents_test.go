package services

import (
	"errors"
	"testing"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/events"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/mocks"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func healthyTransport(id string) *mocks.MockTransport {
	transport := mocks.NewMockTransport(id, models.ExecutionModeSidecar)
	transport.On("Health", mock.Anything).Return(nil)

	return transport
}

func TestSignature(t *testing.T) {
	a := Signature("transient", "OT2-Left", "TIP_PICKUP")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Signature("transient", "ot2-left", "TIP_PICKUP"))
	assert.NotEqual(t, a, Signature("terminal", "ot2-left", "TIP_PICKUP"))
	assert.NotEqual(t, a, Signature("transient", "ot2-left", "TIP_DROP"))
}

func TestIncidents_ScanOpensAndDeduplicates(t *testing.T) {
	env := testutil.NewEnv(t)
	failed := testutil.WithFailure(models.FailureClassTransient, "TIP_PICKUP")

	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(failed))
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000002", childRun("EXR-000002", "EXR-000001", 2, failed))

	unhealthy := mocks.NewMockTransport("ot2-left", models.ExecutionModeSidecar)
	unhealthy.On("Health", mock.Anything).Return(errors.New("sidecar not reachable"))

	notifier := &mocks.MockNotifier{}
	notifier.On("NotifyIncident", mock.Anything, mock.Anything).Return(nil)

	pub := &mocks.RecordingPublisher{}
	svc := NewIncidents(env.Repo, adapters.NewRegistry(healthyTransport("simulator"), unhealthy), env.Clock, notifier, pub, log.Discard())

	summary, err := svc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Probed)
	assert.Equal(t, 1, summary.Unhealthy)
	assert.Equal(t, 2, summary.FailedRuns)
	assert.Equal(t, 2, summary.Opened)
	assert.Equal(t, 0, summary.Deduplicated)
	assert.Equal(t, []string{"INC-000001", "INC-000002"}, summary.IncidentIDs)

	health := testutil.Load[models.ExecutionIncident](t, env, models.KindExecutionIncident, "INC-000001")
	assert.Equal(t, models.IncidentTypeAdapterUnhealthy, health.IncidentType)
	assert.Equal(t, models.SeverityCritical, health.Severity)
	assert.Equal(t, "ot2-left", health.AdapterID)

	failure := testutil.Load[models.ExecutionIncident](t, env, models.KindExecutionIncident, "INC-000002")
	assert.Equal(t, models.IncidentTypeExecutionFailure, failure.IncidentType)
	assert.Equal(t, models.SeverityInfo, failure.Severity)
	assert.Equal(t, models.IncidentStatusOpen, failure.Status)
	assert.Len(t, failure.SourceSignals, 2, "runs sharing a signature merge into one incident")

	notifier.AssertNumberOfCalls(t, "NotifyIncident", 2)
	assert.Equal(t, []events.EventType{events.IncidentOpenedEvent, events.IncidentOpenedEvent}, pub.Types())

	again, err := svc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Opened)
	assert.Equal(t, 1, again.Deduplicated)
	assert.Equal(t, 0, again.FailedRuns, "runs already attached to an incident are skipped")

	open, err := svc.List(t.Context(), models.IncidentStatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestIncidents_ResolvedRunsAreNotRaised(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionRun, "EXR-000001", testutil.CreateTestExecutionRun(
		testutil.WithFailure(models.FailureClassTerminal, "INVALID_PROTOCOL"),
		func(r *models.ExecutionRun) { r.Resolution = "protocol fixed" },
	))

	svc := NewIncidents(env.Repo, adapters.NewRegistry(), env.Clock, nil, nil, log.Discard())

	summary, err := svc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.FailedRuns)
	assert.Equal(t, 0, summary.Opened)
}

func TestIncidents_WorkerErrorStreak(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindWorkerState, models.WorkerRetry, &models.WorkerState{
		WorkerID:    models.WorkerRetry,
		IntervalMs:  60000,
		ErrorStreak: DefaultErrorStreakThreshold,
		LastError:   "record store unavailable",
	})
	testutil.Seed(t, env, models.KindWorkerState, models.WorkerExecutionPoller, &models.WorkerState{
		WorkerID:    models.WorkerExecutionPoller,
		IntervalMs:  15000,
		ErrorStreak: 1,
	})

	svc := NewIncidents(env.Repo, adapters.NewRegistry(), env.Clock, nil, nil, log.Discard())

	summary, err := svc.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"INC-000001"}, summary.IncidentIDs)

	inc := testutil.Load[models.ExecutionIncident](t, env, models.KindExecutionIncident, "INC-000001")
	assert.Equal(t, models.IncidentTypeWorkerErrorStreak, inc.IncidentType)
	assert.Equal(t, models.SeverityWarning, inc.Severity)
	assert.Contains(t, inc.Title, models.WorkerRetry)
}

func TestIncidents_AckAndResolve(t *testing.T) {
	env := testutil.NewEnv(t)
	testutil.Seed(t, env, models.KindExecutionIncident, "INC-000001", &models.ExecutionIncident{
		RecordID:      "INC-000001",
		Status:        models.IncidentStatusOpen,
		Severity:      models.SeverityCritical,
		IncidentType:  models.IncidentTypeAdapterUnhealthy,
		Signature:     Signature(models.IncidentTypeAdapterUnhealthy, "ot2-left", "HEALTH_CHECK_FAILED"),
		Title:         "Adapter ot2-left failed its health probe",
		SourceSignals: []models.SourceSignal{{Source: "health_probe", Ref: "ot2-left", ObservedAt: testutil.Epoch}},
		OpenedAt:      testutil.Epoch,
	})

	svc := NewIncidents(env.Repo, adapters.NewRegistry(), env.Clock, nil, nil, log.Discard())

	acked, err := svc.Ack(t.Context(), "INC-000001", "looking", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusAcked, acked.Status)
	require.NotNil(t, acked.AckedAt)
	require.Len(t, acked.Notes, 1)
	assert.Equal(t, "ack", acked.Notes[0].Action)

	again, err := svc.Ack(t.Context(), "INC-000001", "still looking", "ops")
	require.NoError(t, err)
	assert.Len(t, again.Notes, 1)

	resolved, err := svc.Resolve(t.Context(), "INC-000001", "power cycled", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, resolved.Notes, 2)

	twice, err := svc.Resolve(t.Context(), "INC-000001", "", "ops")
	require.NoError(t, err)
	assert.Len(t, twice.Notes, 2)

	ackResolved, err := svc.Ack(t.Context(), "INC-000001", "", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusResolved, ackResolved.Status)

	_, err = svc.Ack(t.Context(), "INC-000404", "", "")
	assert.True(t, IsNotFound(err))

	_, err = svc.Get(t.Context(), "INC-000404")
	assert.True(t, IsNotFound(err))
}

func TestIncidents_ReopensAfterResolve(t *testing.T) {
	env := testutil.NewEnv(t)

	unhealthy := mocks.NewMockTransport("ot2-left", models.ExecutionModeSidecar)
	unhealthy.On("Health", mock.Anything).Return(errors.New("timeout"))

	svc := NewIncidents(env.Repo, adapters.NewRegistry(unhealthy), env.Clock, nil, nil, log.Discard())

	first, err := svc.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, first.Opened)

	_, err = svc.Resolve(t.Context(), first.IncidentIDs[0], "fixed", "ops")
	require.NoError(t, err)

	second, err := svc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"INC-000002"}, second.IncidentIDs)
}

func TestIncidents_AckedIncidentKeepsDeduplicating(t *testing.T) {
	env := testutil.NewEnv(t)

	unhealthy := mocks.NewMockTransport("ot2-left", models.ExecutionModeSidecar)
	unhealthy.On("Health", mock.Anything).Return(errors.New("sidecar not reachable"))

	svc := NewIncidents(env.Repo, adapters.NewRegistry(unhealthy), env.Clock, nil, nil, log.Discard())

	first, err := svc.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"INC-000001"}, first.IncidentIDs)

	_, err = svc.Ack(t.Context(), "INC-000001", "on it", "ops")
	require.NoError(t, err)

	second, err := svc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Opened)
	assert.Equal(t, 1, second.Deduplicated)
	assert.Empty(t, second.IncidentIDs)

	incidents, err := svc.List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.IncidentStatusAcked, incidents[0].Status)
}
