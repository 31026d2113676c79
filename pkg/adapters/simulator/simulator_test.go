package simulator

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSimulator(cfg Config) *Simulator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return New(cfg, clock.NewFake(start), logger)
}

func request(platform models.TargetPlatform) adapters.ExecuteRequest {
	return adapters.ExecuteRequest{
		ExecutionRunID: "EXR-000001",
		RobotPlan: &models.RobotPlan{
			ID:             "RP-000001",
			TargetPlatform: platform,
			Instructions: []models.Instruction{
				{Index: 0, Command: "aspirate"},
				{Index: 1, Command: "dispense"},
			},
		},
		Parameters: map[string]any{"simulate": true},
		Attempt:    1,
	}
}

func TestSimulator_ExecuteIntegra(t *testing.T) {
	sim := newSimulator(Config{})

	result, err := sim.Execute(context.Background(), request(models.PlatformIntegraAssist))
	require.NoError(t, err)

	assert.Equal(t, adapters.FinalCompleted, result.FinalStatus)
	assert.Equal(t, "sim-EXR-000001", result.ExternalRunID)
	assert.Contains(t, string(result.RawLog), `"simulator": "assist_plus"`)

	require.Len(t, result.Logs, 3)
	assert.Equal(t, CodeSimulatedRun, result.Logs[0].Code)
	assert.Equal(t, "telemetry", result.Logs[1].Level)
	assert.Equal(t, start.Add(2*time.Second), *result.Logs[2].Timestamp)

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "telemetry_csv", result.Artifacts[0].Role)
	assert.Equal(t, "records/artifacts/EXR-000001/telemetry.csv", result.Artifacts[0].URI)
	assert.Contains(t, string(result.Artifacts[0].Content), "1,dispense,")
}

func TestSimulator_Deterministic(t *testing.T) {
	first, err := newSimulator(Config{}).Execute(context.Background(), request(models.PlatformOpentronsOT2))
	require.NoError(t, err)

	second, err := newSimulator(Config{}).Execute(context.Background(), request(models.PlatformOpentronsOT2))
	require.NoError(t, err)

	assert.Equal(t, first.RawLog, second.RawLog)
	assert.Contains(t, string(first.RawLog), "opentrons_ot2_sim")
}

func TestSimulator_PendingPolls(t *testing.T) {
	sim := newSimulator(Config{PendingPolls: 2})
	ctx := context.Background()

	result, err := sim.Execute(ctx, request(models.PlatformOpentronsFlex))
	require.NoError(t, err)
	assert.Equal(t, adapters.FinalRunning, result.FinalStatus)

	run := &models.ExecutionRun{RecordID: "EXR-000001", ExternalRunID: result.ExternalRunID}

	for range 2 {
		status, err := sim.Status(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, adapters.StatusRunning, status.Normalized)
	}

	status, err := sim.Status(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, adapters.StatusCompleted, status.Normalized)

	unknown, err := sim.Status(ctx, &models.ExecutionRun{ExternalRunID: "sim-EXR-999999"})
	require.NoError(t, err)
	assert.Equal(t, adapters.StatusUnknown, unknown.Normalized)
}

func TestSimulator_Failure(t *testing.T) {
	sim := newSimulator(Config{Failure: &adapters.Failure{Code: "DECK_BLOCKED", Class: "transient", Message: "deck blocked"}})

	result, err := sim.Execute(context.Background(), request(models.PlatformIntegraAssist))
	require.NoError(t, err)

	assert.Equal(t, adapters.FinalFailed, result.FinalStatus)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "DECK_BLOCKED", result.Logs[len(result.Logs)-1].Code)
}

func TestSimulator_CancelAndLogs(t *testing.T) {
	sim := newSimulator(Config{PendingPolls: 5})
	ctx := context.Background()

	result, err := sim.Execute(ctx, request(models.PlatformIntegraAssist))
	require.NoError(t, err)

	run := &models.ExecutionRun{ExternalRunID: result.ExternalRunID}
	require.NoError(t, sim.Cancel(ctx, run))

	status, err := sim.Status(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, adapters.StatusFailed, status.Normalized)
	assert.Equal(t, "canceled", status.Raw)

	logs, err := sim.Logs(ctx, run)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	require.NoError(t, sim.Health(ctx))
}
