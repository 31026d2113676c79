// Package file provides file-based persistence for records and artifacts.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
)

// Persistence stores one JSON document per record under
// <root>/<kind>/<record_id>.json.
type Persistence struct {
	root  string
	gate  persistence.Gate
	clock clock.Clock

	mu sync.Mutex
}

// NewPersistence creates a file record store rooted at root. A "file://"
// prefix is accepted. gate may be nil.
func NewPersistence(root string, gate persistence.Gate, clk clock.Clock) *Persistence {
	if clk == nil {
		clk = clock.Real()
	}

	return &Persistence{
		root:  strings.Replace(root, "file://", "", 1),
		gate:  gate,
		clock: clk,
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks the root directory exists, creating it when missing.
func (p *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(p.root, 0750)
	if err != nil {
		return fmt.Errorf("record root %s unavailable: %w", p.root, err)
	}

	return nil
}

// Get loads a record by id.
func (p *Persistence) Get(_ context.Context, id string) (*models.Envelope, error) {
	kind, ok := models.KindForID(id)
	if !ok {
		return nil, persistence.NewRecordError("Get", id, persistence.ErrRecordNotFound)
	}

	env, err := p.read(kind, id)
	if err != nil {
		return nil, persistence.NewRecordError("Get", id, err)
	}

	return env, nil
}

// Create stores a new record at version 1.
func (p *Persistence) Create(_ context.Context, req persistence.CreateRequest) (*models.Envelope, error) {
	env := req.Envelope
	if env == nil || env.RecordID == "" || env.Kind == "" {
		return nil, &persistence.WriteError{Op: "Create", Code: persistence.CodeCreateFailed, Err: persistence.ErrInvalidRecord}
	}

	err := persistence.CheckGate(p.gate, "Create", env, req.SkipValidation, req.SkipLint)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err = os.Stat(p.recordPath(env.Kind, env.RecordID))
	if err == nil {
		return nil, &persistence.WriteError{Op: "Create", Code: persistence.CodeCreateFailed, RecordID: env.RecordID, Err: persistence.ErrRecordExists}
	}

	now := p.clock.Now()
	stored := *env
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if stored.SchemaID == "" {
		stored.SchemaID = models.SchemaID(env.Kind)
	}

	err = p.write(&stored)
	if err != nil {
		return nil, &persistence.WriteError{Op: "Create", Code: persistence.CodeCreateFailed, RecordID: env.RecordID, Err: err}
	}

	return &stored, nil
}

// Update replaces a record's payload when the expected version matches.
func (p *Persistence) Update(_ context.Context, req persistence.UpdateRequest) (*models.Envelope, error) {
	env := req.Envelope
	if env == nil || env.RecordID == "" || env.Kind == "" {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, Err: persistence.ErrInvalidRecord}
	}

	err := persistence.CheckGate(p.gate, "Update", env, req.SkipValidation, req.SkipLint)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.read(env.Kind, env.RecordID)
	if err != nil {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, RecordID: env.RecordID, Err: err}
	}

	if current.Version != req.ExpectedVersion {
		return nil, &persistence.WriteError{
			Op:       "Update",
			Code:     persistence.CodeUpdateFailed,
			RecordID: env.RecordID,
			Err:      fmt.Errorf("%w: stored %d, expected %d", persistence.ErrVersionConflict, current.Version, req.ExpectedVersion),
		}
	}

	stored := *env
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = p.clock.Now()

	if stored.SchemaID == "" {
		stored.SchemaID = current.SchemaID
	}

	err = p.write(&stored)
	if err != nil {
		return nil, &persistence.WriteError{Op: "Update", Code: persistence.CodeUpdateFailed, RecordID: env.RecordID, Err: err}
	}

	return &stored, nil
}

// List returns records of one kind ordered by record id.
func (p *Persistence) List(_ context.Context, opts persistence.ListOptions) ([]*models.Envelope, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("list requires a kind")
	}

	root := os.DirFS(filepath.Join(p.root, string(opts.Kind)))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", opts.Kind, err)
	}

	sort.Strings(jsonFiles)

	records := make([]*models.Envelope, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		env, err := p.read(opts.Kind, strings.TrimSuffix(file, ".json"))
		if errors.Is(err, persistence.ErrRecordNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		match, err := persistence.MatchFilters(env.Data, opts.Filters)
		if err != nil {
			return nil, err
		}

		if match {
			records = append(records, env)
		}
	}

	return paginate(records, opts.Offset, opts.Limit), nil
}

func paginate(records []*models.Envelope, offset, limit int) []*models.Envelope {
	if offset >= len(records) {
		return []*models.Envelope{}
	}

	if offset > 0 {
		records = records[offset:]
	}

	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	return records
}

func (p *Persistence) recordPath(kind models.Kind, id string) string {
	return filepath.Join(p.root, string(kind), filepath.Base(id)+".json")
}

func (p *Persistence) read(kind models.Kind, id string) (*models.Envelope, error) {
	body, err := os.ReadFile(p.recordPath(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrRecordNotFound
		}

		return nil, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}

	var env models.Envelope

	err = json.Unmarshal(body, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}

	return &env, nil
}

func (p *Persistence) write(env *models.Envelope) error {
	dir := filepath.Join(p.root, string(env.Kind))

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", env.Kind, err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", env.RecordID, err)
	}

	return writeAtomic(p.recordPath(env.Kind, env.RecordID), data)
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	err = os.Rename(tmp.Name(), target)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}

	return nil
}
