package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
)

// Store serializes every read-modify-write of runtime.toml behind a
// filesystem lock, mirroring the spec's "only one owner may write this
// file at a time" requirement the same way the bootstrap coordinator
// serializes interpreter hydration: a gofrs/flock file lock plus an
// atomic temp-file-then-rename, grounded on the teacher's
// connection.saveState.
type Store struct {
	path       string
	lockPath   string
	lockWaitMS time.Duration
}

// NewStore returns a Store backed by the runtime TOML at path, guarded by
// a sibling .lock file.
func NewStore(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock", lockWaitMS: 5 * time.Second}
}

// Load reads the current runtime config without taking the lock — callers
// that only read (most IPC commands) don't need to serialize against
// writers, since a torn read of a fully-replaced file can't happen: the
// writer only ever makes the new file visible via an atomic rename.
func (s *Store) Load() (Runtime, error) {
	return Load(s.path)
}

// Update takes the write lock, reloads the current config, applies fn to
// it, and atomically persists the result. fn receives the freshest config
// on disk, not a possibly-stale value the caller loaded earlier.
func (s *Store) Update(ctx context.Context, fn func(*Runtime) error) (Runtime, error) {
	lock := flock.New(s.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWaitMS)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return Runtime{}, fmt.Errorf("config: acquire lock: %w", err)
	}
	if !locked {
		return Runtime{}, fmt.Errorf("config: timed out waiting for %s", s.lockPath)
	}
	defer lock.Unlock()

	rt, err := Load(s.path)
	if err != nil {
		return Runtime{}, err
	}
	if err := fn(&rt); err != nil {
		return Runtime{}, err
	}
	if err := save(s.path, rt); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// save writes rt to path via a temp-file-then-rename swap in the same
// directory, so a crash mid-write never leaves a half-written
// runtime.toml in place.
func save(path string, rt Runtime) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rt); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "runtime.*.toml.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	ok = true
	return nil
}
