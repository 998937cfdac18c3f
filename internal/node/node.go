// Package node wires components C1-C10 into a running MerkleKV Mobile
// node: the storage lane (storage, sequencer, merkle), the bus lane
// (outbox, applicator, command, connection), and the control lane
// (anti-entropy, lifecycle hooks) described by spec §5.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"merklekv/internal/antientropy"
	"merklekv/internal/applicator"
	"merklekv/internal/bus"
	"merklekv/internal/codec"
	"merklekv/internal/command"
	"merklekv/internal/config"
	"merklekv/internal/connection"
	"merklekv/internal/errs"
	"merklekv/internal/membership"
	"merklekv/internal/merkle"
	"merklekv/internal/metrics"
	"merklekv/internal/outbox"
	"merklekv/internal/sequencer"
	"merklekv/internal/storage"
)

// Node owns every component of one running replica and the goroutines
// that drive them.
type Node struct {
	cfg    config.Config
	logger *zap.Logger

	store      *storage.Store
	seq        *sequencer.Sequencer
	tree       *merkle.Tree
	outbox     *outbox.Outbox
	applicator *applicator.Applicator
	executor   *command.Executor
	conn       *connection.Connection
	members    *membership.Membership
	reconciler *antientropy.Reconciler
	transport  *busTransport
	metrics    *metrics.Registry

	b bus.Bus
}

// New constructs a Node from cfg and an already-configured bus
// connection (not yet connected). reg may be nil to use the default
// Prometheus registerer.
func New(cfg config.Config, b bus.Bus, logger *zap.Logger, reg *metrics.Registry) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var storageOpts storage.Options
	var seq *sequencer.Sequencer
	var err error
	if cfg.PersistenceEnabled {
		storageOpts = storage.Options{
			PersistencePath:    cfg.StoragePath,
			TombstoneRetention: time.Duration(cfg.TombstoneRetentionHours) * time.Hour,
		}
		seq, err = sequencer.Open(cfg.StoragePath + "/sequence")
		if err != nil {
			return nil, fmt.Errorf("open sequencer: %w", err)
		}
	} else {
		storageOpts = storage.Options{TombstoneRetention: time.Duration(cfg.TombstoneRetentionHours) * time.Hour}
		seq = sequencer.New()
	}

	store, err := storage.New(storageOpts)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tree := merkle.New()
	tree.RebuildFromStorage(store)

	if reg == nil {
		reg = metrics.New(nil)
	}

	tree.OnRootChange(func(merkle.Hash) { reg.MerkleRootChanges.Inc() })

	var outboxOpts outbox.Options
	if cfg.PersistenceEnabled {
		outboxOpts = outbox.Options{Capacity: cfg.OutboxCapacity, Topic: replicationTopic(cfg.TopicPrefix), Bus: b, PersistencePath: cfg.StoragePath + "/outbox"}
	} else {
		outboxOpts = outbox.Options{Capacity: cfg.OutboxCapacity, Topic: replicationTopic(cfg.TopicPrefix), Bus: b}
	}
	ob, err := outbox.New(outboxOpts)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	store.OnChange(func(c storage.Change) {
		tree.ApplyDelta([]storage.Entry{c.Entry})
		if c.Reconciled {
			return
		}
		ev := codec.ChangeEvent{
			Key: c.Entry.Key, NodeID: c.Entry.NodeID, Seq: c.Entry.Seq,
			TimestampMs: c.Entry.TimestampMs, Tombstone: c.Entry.IsTombstone, Value: c.Entry.Value,
		}
		encoded, err := codec.Encode(ev)
		if err != nil {
			logger.Warn("dropping unencodable change event", zap.Error(err))
			return
		}
		if err := ob.Enqueue(encoded); err != nil {
			logger.Warn("outbox enqueue failed", zap.Error(err))
		} else {
			reg.EventsPublished.Inc()
		}
	})

	app := applicator.New(applicator.Options{
		Store:         store,
		SkewMaxFuture: time.Duration(cfg.SkewMaxFutureMs) * time.Millisecond,
		DedupCapacity: cfg.DedupCapacity,
		DedupTTL:      cfg.DedupTTL,
	})

	// No Outbox here: the store listener above already enqueues every
	// local write, so the executor must not enqueue it a second time.
	executor := command.NewExecutor(command.ExecutorOptions{Store: store, Sequencer: seq, NodeID: cfg.NodeID})

	conn := connection.New(connection.Options{
		Bus: b, ClientID: cfg.ClientID,
		KeepAliveSeconds: cfg.KeepAliveSeconds, SessionExpirySeconds: cfg.SessionExpirySeconds,
		ResponseTopic: resTopic(cfg.TopicPrefix, cfg.ClientID),
	})

	members := membership.New()
	transport := newBusTransport(b, cfg.TopicPrefix)
	reconciler := antientropy.New(antientropy.Options{
		Store: store, Tree: tree, Transport: transport, NodeID: cfg.NodeID,
		RequestsPerSecond: cfg.AERequestsPerSecond, Bucket: cfg.AEBucket,
	})

	return &Node{
		cfg: cfg, logger: logger,
		store: store, seq: seq, tree: tree, outbox: ob, applicator: app,
		executor: executor, conn: conn, members: members,
		reconciler: reconciler, transport: transport, metrics: reg, b: b,
	}, nil
}

// Peers exposes the membership registry so callers can seed known peers
// before Run starts anti-entropy rounds.
func (n *Node) Peers() *membership.Membership { return n.members }

// RootHash returns the current Merkle root, e.g. for an admin endpoint.
func (n *Node) RootHash() merkle.Hash { return n.tree.RootHash() }

// Execute runs a command locally and returns its response, bypassing the
// bus — used by an embedded local client sharing the process with its node.
func (n *Node) Execute(req command.Request) command.Response {
	start := time.Now()
	resp := n.executor.Execute(req)
	n.metrics.CommandLatency.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
	return resp
}

// Run connects the bus and drives all three lanes until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.conn.Connect(ctx); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}

	if err := n.subscribeAll(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Bus lane: outbox publication. The connection is connected once above;
	// no reconnect loop runs here.
	g.Go(func() error {
		n.outbox.Run(gctx, func() bool { return n.conn.State() == connection.StateConnected })
		return nil
	})

	// Bus lane: sample the outbox's own depth/drop counters into the
	// Prometheus registry (spec §8's outbox_depth/outbox_dropped_total).
	g.Go(func() error {
		n.sampleOutboxMetrics(gctx)
		return nil
	})

	// Control lane: anti-entropy rounds against peers on a fixed period,
	// independent of the storage/bus lanes (spec §5: "independent tasks
	// using message passing").
	g.Go(func() error {
		n.runAntiEntropyLoop(gctx)
		return nil
	})

	<-gctx.Done()
	_ = n.conn.Disconnect(context.Background())
	return g.Wait()
}

func (n *Node) subscribeAll(ctx context.Context) error {
	prefix := n.cfg.TopicPrefix

	if err := n.b.Subscribe(ctx, cmdTopic(prefix, n.cfg.ClientID), n.handleCommand); err != nil {
		return err
	}
	if err := n.b.Subscribe(ctx, replicationTopic(prefix), n.handleReplication); err != nil {
		return err
	}
	if err := n.b.Subscribe(ctx, syncRequestTopic(prefix, n.cfg.NodeID), n.handleSyncRequest); err != nil {
		return err
	}
	if err := n.b.Subscribe(ctx, syncKeysRequestTopic(prefix, n.cfg.NodeID), n.handleSyncKeysRequest); err != nil {
		return err
	}
	return nil
}

// handleCommand plays the responder role of spec §4.6: it never sends
// through a Correlator itself (that's command.BusClient, the sender
// side); it just executes and replies.
func (n *Node) handleCommand(_ string, payload []byte) {
	var req command.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	resp := n.Execute(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = n.b.Publish(context.Background(), resTopic(n.cfg.TopicPrefix, n.cfg.ClientID), encoded)
}

func (n *Node) handleReplication(_ string, payload []byte) {
	if err := n.applicator.Apply(payload); err != nil {
		switch {
		case errors.Is(err, errs.ErrIdempotentReplay):
			n.metrics.EventsDuplicate.Inc()
		case errors.Is(err, errs.ErrClockSkew):
			n.metrics.ClockSkewRejected.Inc()
		case errors.Is(err, errs.ErrPayloadTooLarge):
			n.metrics.PayloadTooLarge.Inc()
		default:
			n.metrics.EventsRejected.Inc()
		}
		n.logger.Debug("replication event rejected", zap.Error(err))
		return
	}
	n.metrics.EventsApplied.Inc()
}

func (n *Node) handleSyncRequest(_ string, payload []byte) {
	var req antientropy.SyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	resp := n.reconciler.HandleSyncRequest(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = n.b.Publish(context.Background(), syncResponseTopic(n.cfg.TopicPrefix, n.cfg.NodeID), encoded)
}

func (n *Node) handleSyncKeysRequest(_ string, payload []byte) {
	var req antientropy.SyncKeysRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	resp := n.reconciler.HandleSyncKeysRequest(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = n.b.Publish(context.Background(), syncKeysResponseTopic(n.cfg.TopicPrefix, n.cfg.NodeID), encoded)
}

// outboxSampleInterval governs how often the outbox's own depth/dropped
// counters are copied into the Prometheus registry.
const outboxSampleInterval = time.Second

func (n *Node) sampleOutboxMetrics(ctx context.Context) {
	var lastDropped int64
	t := time.NewTicker(outboxSampleInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.metrics.OutboxDepth.Set(float64(n.outbox.Len()))
			if dropped := n.outbox.Dropped(); dropped > lastDropped {
				n.metrics.OutboxDropped.Add(float64(dropped - lastDropped))
				lastDropped = dropped
			}
		}
	}
}

// antiEntropyInterval is the base spacing between rounds against a single
// peer; jittered so a fleet of nodes restarted together doesn't
// synchronize their anti-entropy traffic.
const antiEntropyInterval = 30 * time.Second

func (n *Node) runAntiEntropyLoop(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
	t := time.NewTimer(antiEntropyInterval + jitter)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.runOneRound(ctx)
			t.Reset(antiEntropyInterval + time.Duration(rand.Int63n(int64(5*time.Second))))
		}
	}
}

func (n *Node) runOneRound(ctx context.Context) {
	peer, ok := n.members.NextPeer()
	if !ok {
		return
	}
	result := n.TriggerSync(ctx, peer)
	if result.Err != nil {
		n.members.MarkDown(peer)
		n.logger.Debug("anti-entropy round failed", zap.String("peer", peer), zap.Error(result.Err))
		return
	}
	n.members.MarkUp(peer)
}

// TriggerSync runs one anti-entropy round against peerNodeID immediately,
// outside the node's normal interval (e.g. from an admin endpoint).
func (n *Node) TriggerSync(ctx context.Context, peerNodeID string) antientropy.SyncResult {
	roundCtx, cancel := context.WithTimeout(ctx, command.ClassAntiEntropy.Timeout())
	defer cancel()

	start := time.Now()
	requestID := fmt.Sprintf("ae-%s-%d", n.cfg.NodeID, time.Now().UnixNano())
	result := n.reconciler.Sync(roundCtx, peerNodeID, requestID, command.ClassAntiEntropy.Timeout())

	n.metrics.AESyncRounds.Inc()
	n.metrics.AERoundDuration.Observe(time.Since(start).Seconds())
	if result.Err != nil {
		n.metrics.AESyncFailure.Inc()
	} else {
		n.metrics.AESyncSuccess.Inc()
	}
	n.metrics.AEKeysSynced.Add(float64(result.KeysSynced))

	return result
}
