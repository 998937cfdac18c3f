package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"merklekv/internal/antientropy"
	"merklekv/internal/bus"
	"merklekv/internal/errs"
)

// busTransport implements antientropy.Transport over the pub/sub bus: a
// SYNC/SYNC_KEYS request is published to the target node's request topic,
// and the caller waits on the target's response topic for a message
// carrying the same request_id (spec §6's topic structure keys anti-entropy
// responses by target node, not by requester, so any number of concurrent
// requesters can await the same topic and pick out their own reply).
type busTransport struct {
	b      bus.Bus
	prefix string

	mu          sync.Mutex
	subscribed  map[string]bool
	pendingSync map[string]chan antientropy.SyncResponse
	pendingKeys map[string]chan antientropy.SyncKeysResponse
}

func newBusTransport(b bus.Bus, prefix string) *busTransport {
	return &busTransport{
		b:           b,
		prefix:      prefix,
		subscribed:  make(map[string]bool),
		pendingSync: make(map[string]chan antientropy.SyncResponse),
		pendingKeys: make(map[string]chan antientropy.SyncKeysResponse),
	}
}

func (t *busTransport) ensureSubscribed(ctx context.Context, targetNode string) error {
	t.mu.Lock()
	already := t.subscribed[targetNode]
	t.mu.Unlock()
	if already {
		return nil
	}

	if err := t.b.Subscribe(ctx, syncResponseTopic(t.prefix, targetNode), t.handleSyncResponse); err != nil {
		return err
	}
	if err := t.b.Subscribe(ctx, syncKeysResponseTopic(t.prefix, targetNode), t.handleSyncKeysResponse); err != nil {
		return err
	}

	t.mu.Lock()
	t.subscribed[targetNode] = true
	t.mu.Unlock()
	return nil
}

func (t *busTransport) handleSyncResponse(_ string, payload []byte) {
	var resp antientropy.SyncResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	t.mu.Lock()
	ch, ok := t.pendingSync[resp.RequestID]
	t.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (t *busTransport) handleSyncKeysResponse(_ string, payload []byte) {
	var resp antientropy.SyncKeysResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	t.mu.Lock()
	ch, ok := t.pendingKeys[resp.RequestID]
	t.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (t *busTransport) RequestSync(ctx context.Context, peerNodeID string, req antientropy.SyncRequest) (antientropy.SyncResponse, error) {
	if err := t.ensureSubscribed(ctx, peerNodeID); err != nil {
		return antientropy.SyncResponse{}, err
	}

	ch := make(chan antientropy.SyncResponse, 1)
	t.mu.Lock()
	t.pendingSync[req.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pendingSync, req.RequestID)
		t.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return antientropy.SyncResponse{}, fmt.Errorf("%w: %v", errs.ErrSchemaError, err)
	}
	if err := t.b.Publish(ctx, syncRequestTopic(t.prefix, peerNodeID), payload); err != nil {
		return antientropy.SyncResponse{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return antientropy.SyncResponse{}, fmt.Errorf("%w: sync request to %s", errs.ErrTimeout, peerNodeID)
	}
}

func (t *busTransport) RequestSyncKeys(ctx context.Context, peerNodeID string, req antientropy.SyncKeysRequest) (antientropy.SyncKeysResponse, error) {
	if err := t.ensureSubscribed(ctx, peerNodeID); err != nil {
		return antientropy.SyncKeysResponse{}, err
	}

	ch := make(chan antientropy.SyncKeysResponse, 1)
	t.mu.Lock()
	t.pendingKeys[req.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pendingKeys, req.RequestID)
		t.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return antientropy.SyncKeysResponse{}, fmt.Errorf("%w: %v", errs.ErrSchemaError, err)
	}
	if err := t.b.Publish(ctx, syncKeysRequestTopic(t.prefix, peerNodeID), payload); err != nil {
		return antientropy.SyncKeysResponse{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return antientropy.SyncKeysResponse{}, fmt.Errorf("%w: sync_keys request to %s", errs.ErrTimeout, peerNodeID)
	}
}
