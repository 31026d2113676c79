// Package records provides typed access to envelope records and allocates
// sequential record ids.
package records

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
)

const (
	createAttempts = 5
	mutateAttempts = 3
)

// Record is a decoded payload together with its stored version.
type Record[T any] struct {
	Value    *T
	Version  int64
	Envelope *models.Envelope
}

// Repository wraps a RecordStore. Id allocation is serialised per kind
// within the process; collisions with other processes are retried.
type Repository struct {
	store persistence.RecordStore

	mu    sync.Mutex
	kinds map[models.Kind]*sync.Mutex
}

// NewRepository creates a repository over store.
func NewRepository(store persistence.RecordStore) *Repository {
	return &Repository{store: store, kinds: make(map[models.Kind]*sync.Mutex)}
}

// Store returns the underlying record store.
func (r *Repository) Store() persistence.RecordStore {
	return r.store
}

func (r *Repository) kindLock(kind models.Kind) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.kinds[kind]
	if !ok {
		m = &sync.Mutex{}
		r.kinds[kind] = m
	}

	return m
}

// NextID returns max(sequence)+1 over the stored records of kind.
func (r *Repository) NextID(ctx context.Context, kind models.Kind) (string, error) {
	prefix := models.IDPrefix(kind)
	if prefix == "" {
		return "", fmt.Errorf("kind %s has no sequential ids", kind)
	}

	envs, err := r.store.List(ctx, persistence.ListOptions{Kind: kind})
	if err != nil {
		return "", fmt.Errorf("failed to list %s records: %w", kind, err)
	}

	highest := 0

	for _, env := range envs {
		if n, ok := models.ParseSequence(prefix, env.RecordID); ok && n > highest {
			highest = n
		}
	}

	return models.FormatID(prefix, highest+1), nil
}

// Get loads and decodes a record, failing with ErrRecordNotFound when the
// id belongs to a different kind.
func Get[T any](ctx context.Context, r *Repository, kind models.Kind, id string) (*Record[T], error) {
	env, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if env.Kind != kind {
		return nil, persistence.NewRecordError("Get", id, persistence.ErrRecordNotFound)
	}

	var value T
	if err := env.Decode(&value); err != nil {
		return nil, err
	}

	return &Record[T]{Value: &value, Version: env.Version, Envelope: env}, nil
}

// List loads and decodes records matching opts.
func List[T any](ctx context.Context, r *Repository, opts persistence.ListOptions) ([]*Record[T], error) {
	envs, err := r.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make([]*Record[T], 0, len(envs))

	for _, env := range envs {
		var value T
		if err := env.Decode(&value); err != nil {
			return nil, err
		}

		out = append(out, &Record[T]{Value: &value, Version: env.Version, Envelope: env})
	}

	return out, nil
}

// Create allocates the next id of kind, builds the payload for it and stores
// it. build may be called again if another writer took the id first.
func Create[T any](ctx context.Context, r *Repository, kind models.Kind, message string, build func(id string) *T) (*Record[T], error) {
	return CreateWith(ctx, r, kind, message, func(id string) (*T, error) {
		return build(id), nil
	})
}

// CreateWith is Create with a build step that can fail. A build error aborts
// the create without writing anything.
func CreateWith[T any](ctx context.Context, r *Repository, kind models.Kind, message string, build func(id string) (*T, error)) (*Record[T], error) {
	lock := r.kindLock(kind)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error

	for range createAttempts {
		id, err := r.NextID(ctx, kind)
		if err != nil {
			return nil, err
		}

		value, err := build(id)
		if err != nil {
			return nil, err
		}

		rec, err := Insert(ctx, r, kind, id, message, value)
		if err == nil {
			return rec, nil
		}

		if !errors.Is(err, persistence.ErrRecordExists) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("failed to allocate %s id: %w", kind, lastErr)
}

// Insert stores value under a caller-chosen id.
func Insert[T any](ctx context.Context, r *Repository, kind models.Kind, id, message string, value *T) (*Record[T], error) {
	env, err := models.NewEnvelope(kind, id, value)
	if err != nil {
		return nil, err
	}

	stored, err := r.store.Create(ctx, persistence.CreateRequest{Envelope: env, Message: message})
	if err != nil {
		return nil, err
	}

	return &Record[T]{Value: value, Version: stored.Version, Envelope: stored}, nil
}

// Save writes rec.Value back, conditional on rec.Version. On success rec is
// advanced to the new version.
func Save[T any](ctx context.Context, r *Repository, rec *Record[T], message string) error {
	env, err := models.NewEnvelope(rec.Envelope.Kind, rec.Envelope.RecordID, rec.Value)
	if err != nil {
		return err
	}

	env.SchemaID = rec.Envelope.SchemaID

	stored, err := r.store.Update(ctx, persistence.UpdateRequest{
		Envelope:        env,
		ExpectedVersion: rec.Version,
		Message:         message,
	})
	if err != nil {
		return err
	}

	rec.Version = stored.Version
	rec.Envelope = stored

	return nil
}

// Mutate applies fn to the latest stored value and saves it, re-reading and
// re-applying on version conflicts. fn returning ErrUnchanged skips the write.
func Mutate[T any](ctx context.Context, r *Repository, kind models.Kind, id, message string, fn func(*T) error) (*Record[T], error) {
	var lastErr error

	for range mutateAttempts {
		rec, err := Get[T](ctx, r, kind, id)
		if err != nil {
			return nil, err
		}

		err = fn(rec.Value)
		if errors.Is(err, ErrUnchanged) {
			return rec, nil
		}

		if err != nil {
			return nil, err
		}

		err = Save(ctx, r, rec, message)
		if err == nil {
			return rec, nil
		}

		if !persistence.IsConflict(err) {
			return nil, err
		}

		lastErr = err
	}

	return nil, lastErr
}

// ErrUnchanged lets a Mutate callback skip the write.
var ErrUnchanged = errors.New("record unchanged")
