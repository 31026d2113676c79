package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/persistence/file"
	"github.com/dukex/labrun/pkg/persistence/minio"
	"github.com/dukex/labrun/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewRecordStore opens the record store named by databaseURL. Anything that
// is not a postgres URL is treated as a directory.
func NewRecordStore(ctx context.Context, logger *slog.Logger, databaseURL string, gate persistence.Gate, clk clock.Clock) (persistence.RecordStore, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL, gate, clk)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres record store: %w", err)
		}

		return store, nil
	default:
		store := file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"), gate, clk)
		if err := store.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("failed to open file record store: %w", err)
		}

		return store, nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// NewArtifactStore opens the artifact store selected by cfg.
func NewArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (persistence.ArtifactStore, error) {
	switch cfg.Provider {
	case "minio":
		store, err := minio.NewArtifactStore(ctx, cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("failed to open minio artifact store: %w", err)
		}

		return store, nil
	case "", "file":
		return file.NewArtifactStore(strings.TrimPrefix(cfg.Root, "file://")), nil
	default:
		return nil, fmt.Errorf("unsupported artifact provider: %s", cfg.Provider)
	}
}
