// Package store implements content-addressed persistence for values produced
// by notebook cells. Every stored value lives in a directory named after the
// sha256 of its serialized form, so identical outputs share one physical copy
// and the store doubles as the execution cache.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Kind tags the serialized form of a stored value.
type Kind string

const (
	// KindBlob is an opaque value: JSON-encoded data plus a text preview.
	KindBlob Kind = "blob"
	// KindTable is columnar data stored as a Parquet file.
	KindTable Kind = "table"
)

// Names of the files inside a value directory.
const (
	MetaFile    = "meta.json"
	BlobFile    = "data.json"
	PreviewFile = "repr.txt"
	TableFile   = "data.parquet"
)

// Meta is the kind-tagged metadata record stored next to every value.
type Meta struct {
	Kind Kind `json:"kind"`
}

// ErrNotFound is returned when a hash has no entry in the store.
var ErrNotFound = errors.New("variable data not found")

// Store is a content-addressed variable store rooted at a data directory.
// It is append-only: values are never mutated or deleted.
type Store struct {
	dir     string
	tempDir string
}

// New opens (and if needed initializes) a store rooted at dir.
func New(dir string) (*Store, error) {
	tempDir := filepath.Join(dir, "temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store temp dir: %w", err)
	}
	return &Store{dir: dir, tempDir: tempDir}, nil
}

// Path returns the directory a hash is (or would be) stored at.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.dir, "h_"+hash)
}

// Meta returns the kind record for a stored hash.
func (s *Store) Meta(hash string) (Meta, error) {
	if !ValidHash(hash) {
		return Meta{}, fmt.Errorf("malformed hash %q", hash)
	}

	data, err := os.ReadFile(filepath.Join(s.Path(hash), MetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return Meta{}, fmt.Errorf("failed to read meta for %s: %w", hash, err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("failed to decode meta for %s: %w", hash, err)
	}
	return m, nil
}

// Preview returns a human-readable summary of a stored value without
// materializing it.
func (s *Store) Preview(hash string) (string, error) {
	m, err := s.Meta(hash)
	if err != nil {
		return "", err
	}

	switch m.Kind {
	case KindBlob:
		data, err := os.ReadFile(filepath.Join(s.Path(hash), PreviewFile))
		if err != nil {
			return "", fmt.Errorf("failed to read preview for %s: %w", hash, err)
		}
		return string(data), nil
	case KindTable:
		return fmt.Sprintf("Parquet file: %s", filepath.Join(s.Path(hash), TableFile)), nil
	default:
		return fmt.Sprintf("Unknown variable kind: %s", m.Kind), nil
	}
}

// TablePath returns the Parquet path for a table value. It fails for values
// of any other kind.
func (s *Store) TablePath(hash string) (string, error) {
	m, err := s.Meta(hash)
	if err != nil {
		return "", err
	}
	if m.Kind != KindTable {
		return "", fmt.Errorf("variable %s is not a table (kind %s)", hash, m.Kind)
	}
	return filepath.Join(s.Path(hash), TableFile), nil
}

// Put serializes a value by running build against a fresh temp directory,
// hashes the result, and atomically renames it to the hash-addressed final
// path. When the destination already exists the content is identical by
// construction and the temp copy is discarded, which makes Put idempotent and
// safe under concurrent writers. A crash before the rename leaves only an
// orphaned temp entry, never a corrupt final entry.
func (s *Store) Put(build func(dir string) error) (string, error) {
	loc := filepath.Join(s.tempDir, uuid.NewString())
	if err := os.Mkdir(loc, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp entry: %w", err)
	}

	if err := build(loc); err != nil {
		_ = os.RemoveAll(loc)
		return "", err
	}

	hash, err := HashTree(loc)
	if err != nil {
		_ = os.RemoveAll(loc)
		return "", err
	}

	final := s.Path(hash)
	if err := os.Rename(loc, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			// Identical content already stored.
			_ = os.RemoveAll(loc)
			return hash, nil
		}
		_ = os.RemoveAll(loc)
		return "", fmt.Errorf("failed to commit value %s: %w", hash, err)
	}
	return hash, nil
}

// TempPath hands out a fresh path inside the store's temp area. Used by
// writers that need a target path before committing (Parquet COPY).
func (s *Store) TempPath() string {
	return filepath.Join(s.tempDir, uuid.NewString())
}

// RemoveUnreferenced would garbage-collect entries not in active. Collection
// is deliberately unimplemented; the store is append-only and callers must
// not assume it ever shrinks.
func (s *Store) RemoveUnreferenced(active map[string]bool) error {
	return errors.New("store garbage collection is not implemented")
}

func writeMeta(dir string, kind Kind) error {
	data, err := json.Marshal(Meta{Kind: kind})
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}
