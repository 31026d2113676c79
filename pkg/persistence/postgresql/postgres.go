// Package postgresql provides a PostgreSQL record store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Persistence implements persistence.RecordStore on a single records table
// holding the envelope columns and a JSONB payload.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	gate   persistence.Gate
	clock  clock.Clock
}

// NewPersistence connects to databaseURL and runs migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, gate persistence.Gate, clk clock.Clock) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if clk == nil {
		clk = clock.Real()
	}

	err = sqlbase.NewMigrator(logger, database, migrations()).Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:     database,
		logger: logger.With("module", "postgresql"),
		gate:   gate,
		clock:  clk,
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT
		record_id
	  , kind
	  , schema_id
	  , version
	  , data
	  , created_at
	  , updated_at
	FROM records
`

// Get loads a record by id.
func (p *Persistence) Get(ctx context.Context, id string) (*models.Envelope, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+" WHERE record_id = $1", id)

	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError("Get", id, persistence.ErrRecordNotFound)
		}

		return nil, persistence.NewRecordError("Get", id, err)
	}

	return env, nil
}

// Create inserts a new record at version 1.
func (p *Persistence) Create(ctx context.Context, req persistence.CreateRequest) (*models.Envelope, error) {
	env := req.Envelope
	if env == nil || env.RecordID == "" || env.Kind == "" {
		return nil, &persistence.WriteError{Op: "Create", Code: persistence.CodeCreateFailed, Err: persistence.ErrInvalidRecord}
	}

	err := persistence.CheckGate(p.gate, "Create", env, req.SkipValidation, req.SkipLint)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	stored := *env
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if stored.SchemaID == "" {
		stored.SchemaID = models.SchemaID(env.Kind)
	}

	query := `
		INSERT INTO records (record_id, kind, schema_id, version, data, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = p.db.ExecContext(ctx, query,
		stored.RecordID,
		string(stored.Kind),
		stored.SchemaID,
		stored.Version,
		[]byte(stored.Data),
		req.Message,
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = persistence.ErrRecordExists
		}

		return nil, &persistence.WriteError{Op: "Create", Code: persistence.CodeCreateFailed, RecordID: env.RecordID, Err: err}
	}

	return &stored, nil
}

// Update replaces the payload when the stored version equals ExpectedVersion.
func (p *Persistence) Update(ctx context.Context, req persistence.UpdateRequest) (*models.Envelope, error) {
	env := req.Envelope
	if env == nil || env.RecordID == "" || env.Kind == "" {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, Err: persistence.ErrInvalidRecord}
	}

	err := persistence.CheckGate(p.gate, "Update", env, req.SkipValidation, req.SkipLint)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()

	query := `
		UPDATE records
		SET data = $3, version = version + 1, message = $4, updated_at = $5
		WHERE record_id = $1 AND version = $2
		RETURNING record_id, kind, schema_id, version, data, created_at, updated_at
	`

	row := p.db.QueryRowContext(ctx, query, env.RecordID, req.ExpectedVersion, []byte(env.Data), req.Message, now)

	stored, err := scanEnvelope(row)
	if err == nil {
		return stored, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, RecordID: env.RecordID, Err: err}
	}

	// No row matched: either the record is missing or its version moved on.
	_, getErr := p.Get(ctx, env.RecordID)
	if getErr != nil {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, RecordID: env.RecordID, Err: getErr}
	}

	return nil, &persistence.WriteError{
		Op:       "Update",
		Code:     persistence.CodeUpdateFailed,
		RecordID: env.RecordID,
		Err:      fmt.Errorf("%w: expected %d", persistence.ErrVersionConflict, req.ExpectedVersion),
	}
}

// List returns records of one kind ordered by record id. Filters compare
// top-level payload fields with the JSONB ->> operator.
func (p *Persistence) List(ctx context.Context, opts persistence.ListOptions) ([]*models.Envelope, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("list requires a kind")
	}

	var (
		where = []string{"kind = $1"}
		args  = []any{string(opts.Kind)}
	)

	keys := make([]string, 0, len(opts.Filters))
	for key := range opts.Filters {
		if !persistence.ValidFilterKey(key) {
			return nil, fmt.Errorf("%w: %q", persistence.ErrInvalidFilter, key)
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		args = append(args, opts.Filters[key])
		where = append(where, fmt.Sprintf("COALESCE(data->>'%s', '') = $%d", key, len(args)))
	}

	query := selectColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY record_id ASC"

	if opts.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(opts.Limit)
	}

	if opts.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(opts.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", opts.Kind, err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.Envelope, 0)

	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		records = append(records, env)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*models.Envelope, error) {
	var (
		env  models.Envelope
		kind string
		data []byte
	)

	err := row.Scan(&env.RecordID, &kind, &env.SchemaID, &env.Version, &data, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return nil, err
	}

	env.Kind = models.Kind(kind)
	env.Data = data
	env.CreatedAt = env.CreatedAt.UTC()
	env.UpdatedAt = env.UpdatedAt.UTC()

	return &env, nil
}
