// Package sqlbase holds the schema migration runner shared by SQL record
// stores.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sort"
)

// migrationLockKey is the advisory lock id serializing migrations across
// engine processes sharing one database.
const migrationLockKey = 0x6c616272756e

// Migrator applies numbered schema migrations in order. Each migration runs
// in its own transaction together with its schema_migrations row.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

// NewMigrator creates a migrator for the given version to SQL map.
func NewMigrator(logger *slog.Logger, db *sql.DB, migrations map[int]string) *Migrator {
	return &Migrator{
		db:         db,
		logger:     logger.With("module", "migrations"),
		migrations: migrations,
	}
}

// Versions returns the known migration versions in ascending order.
func (m *Migrator) Versions() []int {
	versions := make([]int, 0, len(m.migrations))
	for v := range m.migrations {
		versions = append(versions, v)
	}

	sort.Ints(versions)

	return versions
}

// Latest returns the highest known version, or zero.
func (m *Migrator) Latest() int {
	versions := m.Versions()
	if len(versions) == 0 {
		return 0
	}

	return versions[len(versions)-1]
}

// Migrate brings the schema up to Latest. A database already at a version
// newer than this binary knows is left alone and reported as an error.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}

	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
			m.logger.WarnContext(ctx, "Failed to release migration lock", "error", err)
		}
	}()

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	latest := m.Latest()
	if current > latest {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, latest)
	}

	pending := slices.DeleteFunc(m.Versions(), func(v int) bool { return v <= current })
	if len(pending) == 0 {
		m.logger.DebugContext(ctx, "Schema up to date", "version", current)

		return nil
	}

	for _, version := range pending {
		if err := m.apply(ctx, conn, version); err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "Schema migrated", "from", current, "to", latest)

	return nil
}

// CurrentVersion returns the highest applied version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return currentVersion(ctx, conn)
}

func currentVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	var version int

	if err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	return version, nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, version int) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, m.migrations[version]); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("migration %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("migration %d: failed to record version: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}

	m.logger.InfoContext(ctx, "Applied migration", "version", version)

	return nil
}
