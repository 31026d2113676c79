package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/labrun/pkg/persistence"
)

// ArtifactStore keeps artifact files under a root directory. The SHA of a
// file is its content hash.
type ArtifactStore struct {
	root string

	mu sync.Mutex
}

// NewArtifactStore creates a file artifact store rooted at root.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: strings.Replace(root, "file://", "", 1)}
}

// GetFile reads the file at path.
func (s *ArtifactStore) GetFile(_ context.Context, path string) (*persistence.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrFileNotFound, path)
		}

		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	return &persistence.File{Path: path, Content: content, SHA: persistence.ContentHash(content)}, nil
}

// CreateFile writes a new file. It fails with ErrFileExists when path is taken.
func (s *ArtifactStore) CreateFile(_ context.Context, path string, content []byte, _ string) (*persistence.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(full); err == nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrFileExists, path)
	}

	return s.store(full, path, content)
}

// UpdateFile overwrites path when its current SHA equals sha.
func (s *ArtifactStore) UpdateFile(_ context.Context, path string, content []byte, sha, _ string) (*persistence.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrFileNotFound, path)
		}

		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	if persistence.ContentHash(current) != sha {
		return nil, fmt.Errorf("%w: %s", persistence.ErrFileConflict, path)
	}

	return s.store(full, path, content)
}

func (s *ArtifactStore) store(full, path string, content []byte) (*persistence.File, error) {
	err := os.MkdirAll(filepath.Dir(full), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	err = writeAtomic(full, content)
	if err != nil {
		return nil, err
	}

	return &persistence.File{Path: path, Content: content, SHA: persistence.ContentHash(content)}, nil
}

func (s *ArtifactStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid artifact path %q", path)
	}

	return filepath.Join(s.root, clean), nil
}
