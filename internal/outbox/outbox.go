// Package outbox implements the bounded durable publish queue of spec
// §4.4 (C5): a FIFO of encoded replication events, drained by a single
// publish loop, that survives disconnects by retrying with backoff and
// survives process restarts via an optional persistence mirror.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"merklekv/internal/bus"
)

// Record is one queued, encoded event awaiting publish.
type Record struct {
	EncodedBytes  []byte
	Attempts      int
	NextAttemptAt time.Time
}

// Outbox is a bounded FIFO with drop-oldest overflow. The zero value is
// not usable; construct with New.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	queue    []Record
	dropped  int64 // events lost to overflow, exposed as a metric

	mirror *mirror // nil when persistence is disabled

	topic   string
	b       bus.Bus
	backoff *backoff.ExponentialBackOff
}

// newOutboxBackoff builds the retry backoff of spec §4.4/§4.7: 1s
// initial, doubling to a 32s cap, ±20% jitter, retrying indefinitely.
func newOutboxBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 32 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return b
}

// Options configures an Outbox.
type Options struct {
	Capacity int
	// Topic is the replication-events topic this outbox publishes to.
	Topic string
	Bus   bus.Bus
	// PersistencePath, if non-empty, enables the on-disk mirror.
	PersistencePath string
}

// New constructs an Outbox, replaying the persistence mirror (if
// configured) so in-flight events from before a restart are not lost.
func New(opts Options) (*Outbox, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1000
	}

	o := &Outbox{
		capacity: capacity,
		topic:    opts.Topic,
		b:        opts.Bus,
		backoff:  newOutboxBackoff(),
	}

	if opts.PersistencePath != "" {
		m, records, err := openMirror(opts.PersistencePath)
		if err != nil {
			return nil, err
		}
		o.mirror = m
		o.queue = records
	}

	return o, nil
}

// Enqueue appends encoded to the tail of the queue. If the queue is at
// capacity, the oldest record is dropped and the loss counter
// incremented (spec §4.4: "Overflow policy on enqueue: drop oldest").
func (o *Outbox) Enqueue(encoded []byte) error {
	rec := Record{EncodedBytes: encoded}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) >= o.capacity {
		o.queue = o.queue[1:]
		o.dropped++
	}
	o.queue = append(o.queue, rec)

	if o.mirror != nil {
		return o.mirror.append(rec.EncodedBytes)
	}
	return nil
}

// Dropped returns the number of events lost to overflow since startup.
func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Len returns the number of events currently queued.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Run drives the single-writer publish loop: while connected is true and
// the queue is non-empty, it pops the head, publishes, and removes it on
// success, preserving FIFO order so receivers see strictly increasing
// seq per node (spec §4.4). It blocks until ctx is cancelled.
//
// connected is polled by the loop rather than pushed, mirroring the bus
// lane's single-threaded-reactor model (spec §5): the connection
// component flips it and the publish loop notices on its next iteration.
func (o *Outbox) Run(ctx context.Context, connected func() bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !connected() {
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}

		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return
			}
			continue
		}
		head := o.queue[0]
		o.mu.Unlock()

		if !head.NextAttemptAt.IsZero() && time.Now().Before(head.NextAttemptAt) {
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return
			}
			continue
		}

		if err := o.b.Publish(ctx, o.topic, head.EncodedBytes); err != nil {
			o.mu.Lock()
			if len(o.queue) > 0 {
				if o.queue[0].Attempts == 0 {
					// First failure for this head record: start its
					// backoff sequence from InitialInterval.
					o.backoff.Reset()
				}
				o.queue[0].Attempts++
				delay := o.backoff.NextBackOff()
				o.queue[0].NextAttemptAt = time.Now().Add(delay)
			}
			o.mu.Unlock()
			continue
		}

		o.mu.Lock()
		if len(o.queue) > 0 {
			o.queue = o.queue[1:]
		}
		o.mu.Unlock()
		if o.mirror != nil {
			_ = o.mirror.markPublished()
		}
	}
}

// Close releases the persistence mirror, if any.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mirror == nil {
		return nil
	}
	return o.mirror.close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
