// Package storage implements the storage engine of spec §3 (C2): an
// in-memory keyspace with per-key LWW conflict resolution, tombstone
// lifecycle, and an optional write-ahead log for crash recovery.
//
// Concurrency note: Store is the storage lane of §5 — every mutation is
// taken under a single mutex and the resulting Change is delivered to
// registered listeners synchronously, after the lock is released but
// still on the caller's goroutine. Components on other lanes (the bus
// lane's outbox enqueuer, the control lane's Merkle rebuilder) must treat
// a listener callback as "fire quickly and hand off", not as a place to
// block.
package storage

import (
	"fmt"
	"sync"
	"time"

	"merklekv/internal/errs"
)

// Change is delivered to listeners after a mutation actually changes the
// keyspace (LWW no-ops never fire). Reconciled marks writes that arrived
// via PutReconciled — consumers that re-publish storage changes onto the
// bus must skip these to avoid replication loops (spec §4.5 C6).
type Change struct {
	Entry      Entry
	Reconciled bool
}

// Store holds the full keyspace for one node. The zero value is not
// usable; construct with New.
type Store struct {
	mu        sync.RWMutex
	data      map[string]Entry
	wal       *wal // nil when persistence is disabled
	listeners []func(Change)

	tombstoneRetention time.Duration
}

// Options configures optional persistence.
type Options struct {
	PersistencePath    string // empty disables persistence
	TombstoneRetention time.Duration
}

// New constructs a Store, replaying any existing write-ahead log first.
func New(opts Options) (*Store, error) {
	retention := opts.TombstoneRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	s := &Store{
		data:               make(map[string]Entry),
		tombstoneRetention: retention,
	}

	if opts.PersistencePath != "" {
		w, entries, err := openWAL(opts.PersistencePath)
		if err != nil {
			return nil, fmt.Errorf("%w: open storage log: %v", errs.ErrStorageFailure, err)
		}
		s.wal = w
		for _, e := range entries {
			s.applyLocked(e) // LWW re-applied on load, so replay order never matters
		}
	}

	return s, nil
}

// OnChange registers a synchronous listener invoked after every mutation
// that actually changes the keyspace. Listeners are invoked in
// registration order, outside the Store's lock.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns the live value for key, hiding tombstones (spec §3: deleted
// keys are absent from Get/Scan during their retention window).
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || e.IsTombstone {
		return Entry{}, false
	}
	return e, true
}

// GetRaw returns the stored record for key including tombstones, used by
// anti-entropy and the Merkle tree which must see deletions.
func (s *Store) GetRaw(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	return e, ok
}

// Put applies entry through the LWW path as a local, first-hand write: a
// winning mutation is delivered to listeners with Reconciled=false so it
// gets published onto the bus.
func (s *Store) Put(entry Entry) error {
	return s.put(entry, false)
}

// PutReconciled applies entry through the same LWW path but marks the
// resulting Change as reconciled, so outbound publishers skip it. Used
// when applying events that arrived from the bus (C6) or from
// anti-entropy (C10), where re-publishing would create a replication
// loop.
func (s *Store) PutReconciled(entry Entry) error {
	return s.put(entry, true)
}

func (s *Store) put(entry Entry, reconciled bool) error {
	if !entry.IsTombstone {
		if !validateKey(entry.Key) {
			return fmt.Errorf("%w: key must be 1-%d bytes", errs.ErrInvalidKey, 256)
		}
		if !validateValue(entry.Value) {
			return fmt.Errorf("%w: value exceeds maximum size", errs.ErrInvalidValue)
		}
	} else if !validateKey(entry.Key) {
		return fmt.Errorf("%w: key must be 1-%d bytes", errs.ErrInvalidKey, 256)
	}

	s.mu.Lock()
	existing, ok := s.data[entry.Key]
	changed := !ok || wins(existing, entry)
	if changed && s.wal != nil {
		if err := s.wal.append(entry); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: append storage log: %v", errs.ErrStorageFailure, err)
		}
	}
	if changed {
		s.data[entry.Key] = entry
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Entry: entry, Reconciled: reconciled})
	}
	return nil
}

// applyLocked merges entry into the keyspace under the caller's lock,
// reporting whether it actually changed anything.
func (s *Store) applyLocked(entry Entry) bool {
	existing, ok := s.data[entry.Key]
	if !ok {
		s.data[entry.Key] = entry
		return true
	}
	if identical(existing, entry) {
		return false
	}
	if !wins(existing, entry) {
		return false
	}
	s.data[entry.Key] = entry
	return true
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	listeners := make([]func(Change), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Delete constructs a tombstone for key with the given version and
// applies it through the same LWW path as Put (spec §3: "a delete is a
// put of a tombstone").
func (s *Store) Delete(key string, timestampMs int64, nodeID string, seq int64) error {
	return s.Put(Entry{
		Key:         key,
		TimestampMs: timestampMs,
		NodeID:      nodeID,
		Seq:         seq,
		IsTombstone: true,
	})
}

// Scan iterates every live entry (tombstones excluded). Iteration order is
// unspecified.
func (s *Store) Scan(yield func(Entry) bool) {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if !e.IsTombstone {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()
	for _, e := range entries {
		if !yield(e) {
			return
		}
	}
}

// ScanAll iterates every stored record including tombstones, used by the
// Merkle tree and anti-entropy key exchange.
func (s *Store) ScanAll(yield func(Entry) bool) {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	for _, e := range entries {
		if !yield(e) {
			return
		}
	}
}

// Len returns the number of stored records including tombstones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// GCTombstones permanently removes tombstones older than the configured
// retention window (spec §3: tombstones are retained for a bounded period
// so anti-entropy peers can observe the deletion before it vanishes).
// It returns the number of tombstones removed.
func (s *Store) GCTombstones(now time.Time) int {
	cutoff := now.Add(-s.tombstoneRetention).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.data {
		if e.IsTombstone && e.TimestampMs < cutoff {
			delete(s.data, k)
			removed++
		}
	}
	if removed > 0 && s.wal != nil {
		_ = s.wal.compact(s.data) // best-effort; a failed compaction just means a longer log, not data loss
	}
	return removed
}

// Close releases the persistence handle, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return nil
	}
	return s.wal.close()
}
