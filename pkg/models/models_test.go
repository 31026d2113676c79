package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseSequence(t *testing.T) {
	t.Parallel()

	id := FormatID("PLR", 1)
	assert.Equal(t, "PLR-000001", id)

	n, ok := ParseSequence("PLR", id)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = ParseSequence("RP", id)
	assert.False(t, ok)

	_, ok = ParseSequence("RP", "RP-00x1")
	assert.False(t, ok)

	n, ok = ParseSequence("ILOG", "ILOG-1234567")
	require.True(t, ok)
	assert.Equal(t, 1234567, n)
}

func TestBindings_Present(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		bindings Bindings
		want     bool
	}{
		{"empty", Bindings{}, false},
		{"labware", Bindings{Labware: []LabwareBinding{{RoleID: "source", LabwareRef: "LW-1"}}}, true},
		{"material", Bindings{Materials: []MaterialBinding{{RoleID: "buffer", MaterialRef: "MAT-1"}}}, true},
		{"missing ref", Bindings{Labware: []LabwareBinding{{RoleID: "source"}}}, false},
		{"missing role", Bindings{Materials: []MaterialBinding{{MaterialRef: "MAT-1"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.bindings.Present())
		})
	}
}

func TestWorkerState_LeaseHeldBy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.True(t, (&WorkerState{Running: true, LeaseOwner: "a", LeaseExpiresAt: &future}).LeaseHeldBy("b", now))
	assert.False(t, (&WorkerState{Running: true, LeaseOwner: "a", LeaseExpiresAt: &future}).LeaseHeldBy("a", now))
	assert.False(t, (&WorkerState{Running: true, LeaseOwner: "a", LeaseExpiresAt: &past}).LeaseHeldBy("b", now))
	assert.False(t, (&WorkerState{Running: false, LeaseOwner: "a", LeaseExpiresAt: &future}).LeaseHeldBy("b", now))
	assert.False(t, (*WorkerState)(nil).LeaseHeldBy("b", now))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(KindPlannedRun, "PLR-000001", PlannedRun{RecordID: "PLR-000001", Title: "Serial dilution"})
	require.NoError(t, err)
	assert.Equal(t, "labrun/planned-run/v1", env.SchemaID)

	var out PlannedRun
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "Serial dilution", out.Title)
}

func TestExecutionRunStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ExecutionRunStatusRunning.Terminal())
	assert.True(t, ExecutionRunStatusCompleted.Terminal())
	assert.True(t, ExecutionRunStatusFailed.Terminal())
	assert.True(t, ExecutionRunStatusCanceled.Terminal())
}

func TestIncidentStatus_Active(t *testing.T) {
	t.Parallel()

	assert.True(t, IncidentStatusOpen.Active())
	assert.True(t, IncidentStatusAcked.Active())
	assert.False(t, IncidentStatusResolved.Active())
}
