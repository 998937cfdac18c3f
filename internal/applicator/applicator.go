// Package applicator implements the remote event application pipeline of
// spec §4.5 (C6): validates, deduplicates, and applies change events
// received from the bus into storage, without ever re-publishing them
// (replication-loop suppression via put_reconciled).
package applicator

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"merklekv/internal/codec"
	"merklekv/internal/errs"
	"merklekv/internal/storage"
)

// Metrics tracks the observability counters spec §4.5/§8 require.
type Metrics struct {
	mu                       sync.Mutex
	EventsApplied            int64
	EventsRejected           int64
	EventsRejectedClockSkew  int64
	EventsDuplicate          int64
}

func (m *Metrics) incApplied()       { m.mu.Lock(); m.EventsApplied++; m.mu.Unlock() }
func (m *Metrics) incRejected()      { m.mu.Lock(); m.EventsRejected++; m.mu.Unlock() }
func (m *Metrics) incClockSkew()     { m.mu.Lock(); m.EventsRejectedClockSkew++; m.mu.Unlock() }
func (m *Metrics) incDuplicate()     { m.mu.Lock(); m.EventsDuplicate++; m.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		EventsApplied:           m.EventsApplied,
		EventsRejected:          m.EventsRejected,
		EventsRejectedClockSkew: m.EventsRejectedClockSkew,
		EventsDuplicate:         m.EventsDuplicate,
	}
}

// Applicator ingests encoded change events from the bus.
type Applicator struct {
	store *storage.Store
	dedup *lru.LRU[string, time.Time]

	skewMaxFuture time.Duration
	now           func() time.Time

	Metrics Metrics
}

// Options configures an Applicator.
type Options struct {
	Store           *storage.Store
	SkewMaxFuture   time.Duration
	DedupCapacity   int
	DedupTTL        time.Duration
	// Now overrides the clock used for skew checks and dedup arrival
	// timestamps; defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// New constructs an Applicator backed by store.
func New(opts Options) *Applicator {
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	skew := opts.SkewMaxFuture
	if skew <= 0 {
		skew = 300 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Applicator{
		store:         opts.Store,
		dedup:         lru.NewLRU[string, time.Time](capacity, nil, ttl),
		skewMaxFuture: skew,
		now:           now,
	}
}

func dedupKey(nodeID string, seq int64) string {
	return fmt.Sprintf("%s:%d", nodeID, seq)
}

// Apply processes one encoded change event, per the six-step pipeline of
// spec §4.5.
func (a *Applicator) Apply(encoded []byte) error {
	if len(encoded) > codec.MaxEncodedBytes {
		a.Metrics.incRejected()
		return fmt.Errorf("%w: received event is %d bytes", errs.ErrPayloadTooLarge, len(encoded))
	}

	ev, err := codec.Decode(encoded)
	if err != nil {
		a.Metrics.incRejected()
		return err
	}

	nowMs := a.now().UnixMilli()
	if ev.TimestampMs > nowMs+a.skewMaxFuture.Milliseconds() {
		a.Metrics.incClockSkew()
		return fmt.Errorf("%w: timestamp_ms %d exceeds now+skew_max_future_ms", errs.ErrClockSkew, ev.TimestampMs)
	}

	key := dedupKey(ev.NodeID, ev.Seq)
	if _, dup := a.dedup.Get(key); dup {
		a.Metrics.incDuplicate()
		return errs.ErrIdempotentReplay
	}

	entry := storage.Entry{
		Key:         ev.Key,
		Value:       ev.Value,
		TimestampMs: ev.TimestampMs,
		NodeID:      ev.NodeID,
		Seq:         ev.Seq,
		IsTombstone: ev.Tombstone,
	}
	if err := a.store.PutReconciled(entry); err != nil {
		a.Metrics.incRejected()
		return err
	}

	a.dedup.Add(key, a.now())
	a.Metrics.incApplied()
	return nil
}
