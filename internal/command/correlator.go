package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"merklekv/internal/errs"
)

type pendingEntry struct {
	mu       sync.Mutex
	resolved bool
	response Response
	done     chan struct{}
}

// Correlator implements spec §4.6's send/on_response surface: it
// publishes a Request, tracks it against an operation-class timeout, and
// resolves the resulting future when the matching Response arrives —
// with idempotency replay and coalescing of concurrent sends sharing an
// id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	cache *lru.LRU[string, Response]
}

// CorrelatorOptions configures the idempotency cache.
type CorrelatorOptions struct {
	IdempotencyCapacity int
	IdempotencyTTL      time.Duration
}

func NewCorrelator(opts CorrelatorOptions) *Correlator {
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Correlator{
		pending: make(map[string]*pendingEntry),
		cache:   lru.NewLRU[string, Response](capacity, nil, ttl),
	}
}

// Publish sends a normalized, validated Request somewhere (typically onto
// the bus's command topic via C8).
type Publish func(ctx context.Context, req Request) error

// Send validates and normalizes req, checks the idempotency cache, and —
// unless it's a replay — publishes the request and waits for either a
// matching on_response call or the operation-class timeout.
func (c *Correlator) Send(ctx context.Context, req Request, publish Publish) (Response, error) {
	id, err := NormalizeID(req.ID)
	if err != nil {
		return Response{}, err
	}
	req.ID = id

	encoded, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", errs.ErrInvalidRequest, err)
	}
	if len(encoded) > MaxRequestBytes {
		return Response{}, fmt.Errorf("%w: request is %d bytes", errs.ErrPayloadTooLarge, len(encoded))
	}

	if cached, ok := c.cache.Get(id); ok {
		replay := cached
		replay.ErrorCode = errs.Code(errs.KindIdempotentReplay)
		return replay, errs.ErrIdempotentReplay
	}

	c.mu.Lock()
	entry, exists := c.pending[id]
	if !exists {
		entry = &pendingEntry{done: make(chan struct{})}
		c.pending[id] = entry
	}
	c.mu.Unlock()

	if !exists {
		if err := publish(ctx, req); err != nil {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			return Response{}, err
		}
	}

	timeout := req.Op.Class().Timeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		entry.mu.Lock()
		resp := entry.response
		entry.mu.Unlock()
		return resp, nil
	case <-timer.C:
		// Leave the pending entry in place: spec §4.6 "leaves the future
		// unresolved for late-response handling" — a response arriving
		// after this point is still cached for a retrying client.
		return Response{ID: id, Status: "ERROR", Error: "timeout", ErrorCode: errs.Code(errs.KindTimeout)}, errs.ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// OnResponse completes the pending future for resp.ID, if any, and caches
// the response for idempotency replay / late-response retrieval either
// way.
func (c *Correlator) OnResponse(resp Response) {
	c.mu.Lock()
	entry, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		entry.mu.Lock()
		if !entry.resolved {
			entry.response = resp
			entry.resolved = true
			close(entry.done)
		}
		entry.mu.Unlock()
	}

	c.cache.Add(resp.ID, resp)
}
