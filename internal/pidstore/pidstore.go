// Package pidstore persists the per-service PID record: the single
// source of truth for "this service is believed to be running". A
// record is a claim, not a guarantee; callers re-verify liveness
// against the process driver before trusting it.
package pidstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
)

// Record is what gets written when a service is spawned. Host/Port
// capture the bind address actually used at spawn time so later
// invocations talk to the right endpoint even if configuration moved.
type Record struct {
	PID       int       `toml:"pid"`
	StartedAt time.Time `toml:"started_at"`
	Host      string    `toml:"host,omitempty"`
	Port      int       `toml:"port,omitempty"`
}

// Store reads and writes records under a single state directory, one
// <name>.pid file per service plus a <name>.lock flock file.
type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the state directory backing this store.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".pid")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, name+".lock")
}

// Write persists the record atomically: marshal to <name>.pid.tmp,
// fsync, rename. A crash mid-write never leaves a partial file at the
// final path.
func (s *Store) Write(name string, rec Record) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pid record for %s: %w", name, err)
	}
	final := s.path(name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write pid record for %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid record for %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync pid record for %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close pid record for %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit pid record for %s: %w", name, err)
	}
	return nil
}

// Read returns the record for name, or (nil, nil) when no file exists.
// An unparsable or nonsensical file is treated as "no record": it is
// logged, removed, and never surfaced as a hard failure.
func (s *Store) Read(name string) (*Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid record for %s: %w", name, err)
	}
	var rec Record
	if err := toml.Unmarshal(data, &rec); err != nil || rec.PID <= 0 {
		s.logger.Debug("discarding unparsable pid record", "service", name, "error", err)
		_ = os.Remove(s.path(name))
		return nil, nil
	}
	return &rec, nil
}

// Clear removes the record file. Removing an absent record is not an
// error.
func (s *Store) Clear(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear pid record for %s: %w", name, err)
	}
	return nil
}

// Lock acquires the per-service file lock serializing lifecycle
// mutations across CLI processes, and returns the release func. The
// lock is advisory and blocks until acquired.
func (s *Store) Lock(name string) (func(), error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	fl := flock.New(s.lockPath(name))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire %s lifecycle lock: %w", name, err)
	}
	return func() { _ = fl.Unlock() }, nil
}
