// Package state persists resumable execution state and the end-of-run
// manifest as JSON files owned by the run's working directory.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// ErrNotFound is returned by Load when no state file exists yet.
var ErrNotFound = errors.New("state file not found")

// Store reads and writes ExecutionState at a fixed path. Saves are atomic
// from the caller's perspective: an interrupted save never leaves a file
// that loads to a phase further advanced than what completed.
type Store struct {
	path string
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing file returns ErrNotFound; an
// unreadable or structurally invalid file is a fatal state error, never
// silently ignored, because ignoring it could re-execute completed
// destructive steps.
func (s *Store) Load() (*upgrade.ExecutionState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", upgrade.ErrStateCorrupt, s.path, err)
	}

	var st upgrade.ExecutionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", upgrade.ErrStateCorrupt, s.path, err)
	}
	if st.SchemaVersion != upgrade.StateSchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema version %d, want %d",
			upgrade.ErrStateCorrupt, s.path, st.SchemaVersion, upgrade.StateSchemaVersion)
	}
	if !st.Phase.Valid() {
		return nil, fmt.Errorf("%w: %s has unknown phase %q",
			upgrade.ErrStateCorrupt, s.path, st.Phase)
	}
	return &st, nil
}

// Save persists st with write-to-temp-then-rename discipline.
func (s *Store) Save(st *upgrade.ExecutionState) error {
	st.SchemaVersion = upgrade.StateSchemaVersion
	st.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(s.path, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// WriteManifest emits the manifest once at run end, atomically.
func (s *Store) WriteManifest(path string, m *upgrade.Manifest) error {
	if err := writeJSONAtomic(path, m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// writeJSONAtomic marshals v and replaces path in a single rename so
// readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
