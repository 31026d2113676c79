//go:build integration

package web_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/log"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence/file"
	"github.com/dukex/labrun/pkg/persistence/postgresql"
	"github.com/dukex/labrun/pkg/records"
	"github.com/dukex/labrun/pkg/schema"
	"github.com/dukex/labrun/pkg/services"
	"github.com/dukex/labrun/pkg/testutil"
	"github.com/dukex/labrun/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresApp(t *testing.T) *testAPI {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("labrun_api"),
		postgres.WithUsername("labrun"),
		postgres.WithPassword("labrun"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	schemas := schema.MustLoad()
	clk := clock.NewFake(testutil.Epoch)

	store, err := postgresql.NewPersistence(ctx, log.Discard(), databaseURL, schemas, clk)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return buildTestAPI(t, apiDeps{
		repo:      records.NewRepository(store),
		store:     store,
		artifacts: file.NewArtifactStore(t.TempDir()),
		schemas:   schemas,
		clock:     clk,
	}, nil)
}

func TestAPIHandlers_PostgresFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	api := setupPostgresApp(t)
	api.compile(t)

	status, body := api.do(t, http.MethodPost, "/robot-plans/RP-000001/execute", web.ExecuteRobotPlanRequest{
		Parameters: map[string]any{"simulate": true},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	result := decode[services.ExecuteResult](t, body)
	assert.Equal(t, "EXR-000001", result.ExecutionRunID)
	assert.Equal(t, models.ExecutionRunStatusCompleted, result.Status)

	status, body = api.do(t, http.MethodGet, "/execution-runs/EXR-000001", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "EG-000001", decode[models.ExecutionRun](t, body).MaterializedEventGraphID)

	status, body = api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "healthy", decode[web.HealthResponse](t, body).Status)
}
