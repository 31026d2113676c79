// Package persistence defines the record and artifact storage contracts used
// by the execution engine.
package persistence

import (
	"context"

	"github.com/dukex/labrun/pkg/models"
)

// RecordStore is a versioned document store for typed records. Every
// mutation is checked against the caller's expected version.
type RecordStore interface {
	Get(ctx context.Context, id string) (*models.Envelope, error)
	Create(ctx context.Context, req CreateRequest) (*models.Envelope, error)
	Update(ctx context.Context, req UpdateRequest) (*models.Envelope, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Envelope, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// CreateRequest creates a new record. The envelope version is ignored and
// the stored record always starts at version 1.
type CreateRequest struct {
	Envelope       *models.Envelope
	Message        string
	SkipValidation bool
	SkipLint       bool
}

// UpdateRequest replaces the payload of an existing record. ExpectedVersion
// must equal the stored version, otherwise the update fails with
// ErrVersionConflict.
type UpdateRequest struct {
	Envelope        *models.Envelope
	ExpectedVersion int64
	Message         string
	SkipValidation  bool
	SkipLint        bool
}

// ListOptions selects records of one kind. Filters match top-level payload
// fields by their string form.
type ListOptions struct {
	Kind    models.Kind
	Limit   int
	Offset  int
	Filters map[string]string
}

// Issue is one schema or lint finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Gate validates records before they are persisted.
type Gate interface {
	Validate(env *models.Envelope) []Issue
	Lint(env *models.Envelope) []Issue
}

// File is a stored artifact with its content hash.
type File struct {
	Path    string
	Content []byte
	SHA     string
}

// ArtifactStore holds artifact files. Updates are conditional on the SHA the
// caller last read.
type ArtifactStore interface {
	GetFile(ctx context.Context, path string) (*File, error)
	CreateFile(ctx context.Context, path string, content []byte, message string) (*File, error)
	UpdateFile(ctx context.Context, path string, content []byte, sha, message string) (*File, error)
}
