// Package antientropy implements the SYNC/SYNC_KEYS reconciliation
// protocol of spec §4.9 (C10): rate-limited root-hash comparison rounds
// that fall back to a targeted key exchange when two peers' Merkle roots
// disagree.
package antientropy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"merklekv/internal/errs"
	"merklekv/internal/merkle"
	"merklekv/internal/storage"
)

const maxSyncKeysBatchBytes = 524288

// SyncRequest is published on {prefix}/{peer}/sync/request.
type SyncRequest struct {
	RequestID    string `json:"request_id"`
	SourceNodeID string `json:"source_node_id"`
	RootHash     string `json:"root_hash"` // hex-encoded
	TimestampMs  int64  `json:"timestamp"`
	TimeoutMs    int64  `json:"timeout_ms"`
}

// SyncResponse is the reply on {prefix}/{initiator}/sync/response.
type SyncResponse struct {
	RequestID      string   `json:"request_id"`
	ResponseNodeID string   `json:"response_node_id"`
	RootHash       string   `json:"root_hash"`
	HashesMatch    bool     `json:"hashes_match"`
	DivergentPaths []string `json:"divergent_paths,omitempty"`
}

// wireEntry is the JSON transport shape of a storage.Entry for
// SYNC_KEYS messages (spec §4.9: JSON with base64 text for binary
// payloads — there are none here, values are already text).
type wireEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	NodeID      string `json:"node_id"`
	Seq         int64  `json:"seq"`
	Tombstone   bool   `json:"tombstone"`
}

func toWire(e storage.Entry) wireEntry {
	return wireEntry{Key: e.Key, Value: e.Value, TimestampMs: e.TimestampMs, NodeID: e.NodeID, Seq: e.Seq, Tombstone: e.IsTombstone}
}

func fromWire(w wireEntry) storage.Entry {
	return storage.Entry{Key: w.Key, Value: w.Value, TimestampMs: w.TimestampMs, NodeID: w.NodeID, Seq: w.Seq, IsTombstone: w.Tombstone}
}

// SyncKeysRequest is published on {prefix}/{peer}/sync_keys/request.
type SyncKeysRequest struct {
	RequestID    string      `json:"request_id"`
	SourceNodeID string      `json:"source_node_id"`
	Keys         []string    `json:"keys"`
	Entries      []wireEntry `json:"entries"`
	TimestampMs  int64       `json:"timestamp"`
	TimeoutMs    int64       `json:"timeout_ms"`
}

// SyncKeysResponse is the reply on {prefix}/{initiator}/sync_keys/response.
type SyncKeysResponse struct {
	RequestID      string      `json:"request_id"`
	ResponseNodeID string      `json:"response_node_id"`
	Entries        []wireEntry `json:"entries"`
	NotFoundKeys   []string    `json:"not_found_keys,omitempty"`
	TimestampMs    int64       `json:"timestamp"`
}

// RoundMetrics accumulates spec §4.9's per-round counters.
type RoundMetrics struct {
	mu               sync.Mutex
	Rounds           int64
	KeysExamined     int64
	KeysSynced       int64
	DurationMs       int64
	PayloadSizeBytes int64
	Successes        int64
	Failures         int64
}

func (m *RoundMetrics) record(examined, synced int, duration time.Duration, payloadBytes int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rounds++
	m.KeysExamined += int64(examined)
	m.KeysSynced += int64(synced)
	m.DurationMs += duration.Milliseconds()
	m.PayloadSizeBytes += int64(payloadBytes)
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
}

// Snapshot returns a copy of the current counters.
func (m *RoundMetrics) Snapshot() RoundMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RoundMetrics{
		Rounds: m.Rounds, KeysExamined: m.KeysExamined, KeysSynced: m.KeysSynced,
		DurationMs: m.DurationMs, PayloadSizeBytes: m.PayloadSizeBytes,
		Successes: m.Successes, Failures: m.Failures,
	}
}

// Transport abstracts publishing a request and waiting for its matching
// response, so this package stays agnostic of exactly how the owning
// node correlates bus messages (it reuses the same request/response
// shape as C7, but anti-entropy rounds are not user commands).
type Transport interface {
	RequestSync(ctx context.Context, peerNodeID string, req SyncRequest) (SyncResponse, error)
	RequestSyncKeys(ctx context.Context, peerNodeID string, req SyncKeysRequest) (SyncKeysResponse, error)
}

// Reconciler runs anti-entropy rounds against peers.
type Reconciler struct {
	store     *storage.Store
	tree      *merkle.Tree
	transport Transport
	limiter   *rate.Limiter
	nodeID    string

	Metrics RoundMetrics
}

// Options configures a Reconciler.
type Options struct {
	Store             *storage.Store
	Tree              *merkle.Tree
	Transport         Transport
	NodeID            string
	RequestsPerSecond float64
	Bucket            int
}

func New(opts Options) *Reconciler {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5.0
	}
	bucket := opts.Bucket
	if bucket <= 0 {
		bucket = 10
	}
	return &Reconciler{
		store:     opts.Store,
		tree:      opts.Tree,
		transport: opts.Transport,
		nodeID:    opts.NodeID,
		limiter:   rate.NewLimiter(rate.Limit(rps), bucket),
	}
}

// SyncResult reports the outcome of one full reconciliation attempt
// against a peer.
type SyncResult struct {
	HashesMatched bool
	KeysSynced    int
	Err           error
}

// Sync runs one anti-entropy round against peerNodeID: a SYNC comparing
// root hashes, and — only if they differ — a SYNC_KEYS exchange.
func (r *Reconciler) Sync(ctx context.Context, peerNodeID string, requestID string, timeout time.Duration) SyncResult {
	if !r.limiter.Allow() {
		return SyncResult{Err: errs.ErrRateLimited}
	}

	start := time.Now()
	timeoutMs := timeout.Milliseconds()

	syncResp, err := r.transport.RequestSync(ctx, peerNodeID, SyncRequest{
		RequestID:    requestID,
		SourceNodeID: r.nodeID,
		RootHash:     hashHex(r.tree.RootHash()),
		TimestampMs:  time.Now().UnixMilli(),
		TimeoutMs:    timeoutMs,
	})
	if err != nil {
		r.Metrics.record(0, 0, time.Since(start), 0, false)
		return SyncResult{Err: err}
	}

	if syncResp.HashesMatch {
		r.Metrics.record(0, 0, time.Since(start), 0, true)
		return SyncResult{HashesMatched: true}
	}

	synced, payloadBytes, err := r.syncKeys(ctx, peerNodeID, requestID, timeoutMs)
	r.Metrics.record(synced, synced, time.Since(start), payloadBytes, err == nil)
	return SyncResult{HashesMatched: false, KeysSynced: synced, Err: err}
}

func hashHex(h merkle.Hash) string {
	return fmt.Sprintf("%x", h[:])
}

// syncKeys implements round 2: since implementations are explicitly
// permitted to send all keys instead of coarsening via subtree
// traversal (spec §4.9, §9), that is what this reconciler does — every
// live key plus tombstones within the retention window, split into
// multiple requests so each individually stays under the 512 KiB cap
// (spec §4.9: "batch candidates so each encoded request stays ≤512
// KiB"). Only a single key whose own entry can't fit alone fails the
// round.
func (r *Reconciler) syncKeys(ctx context.Context, peerNodeID, requestID string, timeoutMs int64) (int, int, error) {
	var keys []string
	var entries []wireEntry
	r.store.ScanAll(func(e storage.Entry) bool {
		keys = append(keys, e.Key)
		entries = append(entries, toWire(e))
		return true
	})

	batches, err := batchSyncKeys(requestID, r.nodeID, timeoutMs, keys, entries)
	if err != nil {
		return 0, 0, err
	}

	var synced, totalBytes int
	for _, batch := range batches {
		encoded, err := json.Marshal(batch)
		if err != nil {
			return synced, totalBytes, fmt.Errorf("%w: %v", errs.ErrMerkleTreeError, err)
		}
		totalBytes += len(encoded)

		resp, err := r.transport.RequestSyncKeys(ctx, peerNodeID, batch)
		if err != nil {
			return synced, totalBytes, err
		}
		synced += r.reconcile(resp.Entries)
	}
	return synced, totalBytes, nil
}

// batchSyncKeys greedily packs keys/entries into SyncKeysRequest batches
// that each encode under maxSyncKeysBatchBytes, preserving order. It
// fails only when a single key's own entry can't fit in a batch by
// itself.
func batchSyncKeys(requestID, nodeID string, timeoutMs int64, keys []string, entries []wireEntry) ([]SyncKeysRequest, error) {
	build := func(k []string, e []wireEntry) SyncKeysRequest {
		return SyncKeysRequest{
			RequestID: requestID, SourceNodeID: nodeID,
			Keys: k, Entries: e,
			TimestampMs: time.Now().UnixMilli(), TimeoutMs: timeoutMs,
		}
	}
	fits := func(k []string, e []wireEntry) (bool, error) {
		encoded, err := json.Marshal(build(k, e))
		if err != nil {
			return false, fmt.Errorf("%w: %v", errs.ErrMerkleTreeError, err)
		}
		return len(encoded) <= maxSyncKeysBatchBytes, nil
	}

	var batches []SyncKeysRequest
	var curKeys []string
	var curEntries []wireEntry

	for i, k := range keys {
		candidateKeys := append(append([]string{}, curKeys...), k)
		candidateEntries := append(append([]wireEntry{}, curEntries...), entries[i])

		ok, err := fits(candidateKeys, candidateEntries)
		if err != nil {
			return nil, err
		}
		if ok {
			curKeys, curEntries = candidateKeys, candidateEntries
			continue
		}

		if len(curKeys) == 0 {
			// Even alone this key doesn't fit; nothing smaller to try.
			return nil, fmt.Errorf("%w: key %q alone exceeds the sync_keys batch cap", errs.ErrPayloadTooLarge, k)
		}

		// Close the current batch and start a new one with just k.
		batches = append(batches, build(curKeys, curEntries))

		solo, err := fits([]string{k}, []wireEntry{entries[i]})
		if err != nil {
			return nil, err
		}
		if !solo {
			return nil, fmt.Errorf("%w: key %q alone exceeds the sync_keys batch cap", errs.ErrPayloadTooLarge, k)
		}
		curKeys, curEntries = []string{k}, []wireEntry{entries[i]}
	}

	if len(curKeys) > 0 {
		batches = append(batches, build(curKeys, curEntries))
	}

	return batches, nil
}

// reconcile applies each entry through put_reconciled (spec §4.9: "Both
// sides reconcile by applying each received entry through put_reconciled
// (LWW merge)"), so this never re-triggers replication.
func (r *Reconciler) reconcile(entries []wireEntry) int {
	synced := 0
	for _, w := range entries {
		if err := r.store.PutReconciled(fromWire(w)); err == nil {
			synced++
		}
	}
	return synced
}

// HandleSyncRequest answers an incoming SyncRequest from a peer (the B
// side of spec §4.9's round 1).
func (r *Reconciler) HandleSyncRequest(req SyncRequest) SyncResponse {
	root := r.tree.RootHash()
	return SyncResponse{
		RequestID:      req.RequestID,
		ResponseNodeID: r.nodeID,
		RootHash:       hashHex(root),
		HashesMatch:    hashHex(root) == req.RootHash,
	}
}

// HandleSyncKeysRequest answers an incoming SyncKeysRequest (the B side
// of spec §4.9's round 2): it reconciles the sender's entries locally
// and replies with its own entries for the requested keys.
func (r *Reconciler) HandleSyncKeysRequest(req SyncKeysRequest) SyncKeysResponse {
	r.reconcile(req.Entries)

	var entries []wireEntry
	var notFound []string
	for _, k := range req.Keys {
		if e, ok := r.store.GetRaw(k); ok {
			entries = append(entries, toWire(e))
		} else {
			notFound = append(notFound, k)
		}
	}

	return SyncKeysResponse{
		RequestID: req.RequestID, ResponseNodeID: r.nodeID,
		Entries: entries, NotFoundKeys: notFound, TimestampMs: time.Now().UnixMilli(),
	}
}

// HandleSyncKeysResponse applies the peer's returned entries on the
// initiator's side (spec §9: peer-side opportunistic apply — any
// entries attached beyond what was requested are applied the same way).
func (r *Reconciler) HandleSyncKeysResponse(resp SyncKeysResponse) int {
	return r.reconcile(resp.Entries)
}
