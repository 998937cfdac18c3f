// Package sequencer implements the per-node monotonic sequence counter of
// spec §4.2 (C3). Every event this node emits carries a seq strictly
// greater than any seq it has ever emitted before, including across
// restarts (spec invariant I4).
package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"merklekv/internal/errs"
)

// Sequencer hands out strictly increasing sequence numbers for one node.
// The zero value is not usable; construct with New or Open.
type Sequencer struct {
	mu      sync.Mutex
	current int64

	path string
	lock *flock.Flock // nil for the in-memory, non-persistent variant
}

// New returns a Sequencer with no backing file: it starts at zero and
// does not survive a restart. Useful for tests and the in-memory demo
// node.
func New() *Sequencer {
	return &Sequencer{}
}

// Open loads (or creates) the single-line sequence file at path under an
// advisory lock, so two processes never share one node's sequence file.
// A missing or corrupt file starts the counter at zero, per spec §4.2.
func Open(path string) (*Sequencer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create sequence dir: %v", errs.ErrStorageFailure, err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock sequence file: %v", errs.ErrStorageFailure, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: sequence file %s is already locked by another process", errs.ErrStorageFailure, path)
	}

	s := &Sequencer{path: path, lock: lock}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.current = 0
	case err != nil:
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: read sequence file: %v", errs.ErrStorageFailure, err)
	default:
		text := strings.TrimSpace(string(data))
		v, parseErr := strconv.ParseInt(text, 10, 64)
		if parseErr != nil {
			// corrupt sequence file: starting at zero would risk reusing a
			// seq already emitted, so this is a hard failure rather than a
			// silent reset.
			_ = lock.Unlock()
			return nil, fmt.Errorf("%w: sequence file %s is corrupt: %v", errs.ErrStorageCorruption, path, parseErr)
		}
		s.current = v
	}

	return s, nil
}

// Next returns current+1 and persists the new value before returning it,
// so a crash between persisting and the caller using the value never
// causes a seq to be reused.
func (s *Sequencer) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current + 1
	if s.lock != nil {
		if err := s.persist(next); err != nil {
			return 0, err
		}
	}
	s.current = next
	return next, nil
}

// Current returns the last assigned sequence number without allocating a
// new one.
func (s *Sequencer) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// persist writes value via temp-file-then-rename, retrying once after
// re-ensuring the parent directory exists (spec §5 shared-resource
// policy).
func (s *Sequencer) persist(value int64) error {
	err := s.writeOnce(value)
	if err == nil {
		return nil
	}
	if mkErr := os.MkdirAll(filepath.Dir(s.path), 0o755); mkErr != nil {
		return fmt.Errorf("%w: write sequence file: %v", errs.ErrStorageFailure, err)
	}
	if err := s.writeOnce(value); err != nil {
		return fmt.Errorf("%w: write sequence file: %v", errs.ErrStorageFailure, err)
	}
	return nil
}

func (s *Sequencer) writeOnce(value int64) error {
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strconv.FormatInt(value, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Close releases the file lock, if any.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}
