package persistence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/zeebo/blake3"
)

// ContentHash returns the hex encoded BLAKE3-256 digest of content.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)

	return hex.EncodeToString(sum[:])
}

// PutFile creates path, or updates it against its current SHA when it
// already exists. Identical content is left untouched.
func PutFile(ctx context.Context, store ArtifactStore, path string, content []byte, message string) (*File, error) {
	existing, err := store.GetFile(ctx, path)
	if errors.Is(err, ErrFileNotFound) {
		return store.CreateFile(ctx, path, content, message)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if existing.SHA == ContentHash(content) {
		return existing, nil
	}

	return store.UpdateFile(ctx, path, content, existing.SHA, message)
}

var filterKey = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidFilterKey reports whether key may be used as a list filter.
func ValidFilterKey(key string) bool {
	return filterKey.MatchString(key)
}

// MatchFilters reports whether the top-level payload fields named in filters
// equal the filter values in their string form.
func MatchFilters(data json.RawMessage, filters map[string]string) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Errorf("failed to decode payload: %w", err)
	}

	for key, want := range filters {
		if !ValidFilterKey(key) {
			return false, fmt.Errorf("%w: %q", ErrInvalidFilter, key)
		}

		value, ok := fields[key]
		if !ok || value == nil {
			if want != "" {
				return false, nil
			}

			continue
		}

		if fmt.Sprint(value) != want {
			return false, nil
		}
	}

	return true, nil
}
