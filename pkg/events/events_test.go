package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRunEvent_JSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event := ExecutionRunEvent{
		BaseEvent:      NewBaseEvent(ExecutionRunFailedEvent, now),
		ExecutionRunID: "EXR-000001",
		RobotPlanID:    "RP-000001",
		Attempt:        2,
		Status:         "failed",
		FailureClass:   "transient",
	}

	assert.Equal(t, ExecutionRunFailedEvent, event.GetType())
	assert.NotEmpty(t, event.ID)

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "execution.run.failed", decoded["type"])
	assert.Equal(t, "EXR-000001", decoded["execution_run_id"])
	assert.Equal(t, "transient", decoded["failure_class"])
	assert.NotContains(t, decoded, "planned_run_id")
}

func TestIncidentOpened_Type(t *testing.T) {
	event := IncidentOpened{IncidentID: "INC-000001"}
	assert.Equal(t, IncidentOpenedEvent, event.GetType())
	assert.Contains(t, Types(), IncidentOpenedEvent)
}
