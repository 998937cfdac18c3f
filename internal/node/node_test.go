package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"merklekv/internal/bus"
	"merklekv/internal/command"
	"merklekv/internal/config"
	"merklekv/internal/metrics"
	"merklekv/internal/storage"
)

func testConfig(nodeID string) config.Config {
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.ClientID = nodeID
	return cfg
}

func newTestNode(t *testing.T, broker *bus.Broker, nodeID string) *Node {
	t.Helper()
	// Each node gets its own registry: New(..., nil) registers on the
	// default registerer, which rejects a second node's collectors.
	n, err := New(testConfig(nodeID), bus.NewMemoryBus(broker), nil, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	return n
}

func TestExecuteSetThenGetLocally(t *testing.T) {
	broker := bus.NewBroker()
	n := newTestNode(t, broker, "node-a")

	setResp := n.Execute(command.Request{Op: command.OpSet, Key: "k1", Value: "v1"})
	require.Equal(t, "OK", setResp.Status)

	getResp := n.Execute(command.Request{Op: command.OpGet, Key: "k1"})
	require.Equal(t, "OK", getResp.Status)
	require.Equal(t, "v1", getResp.Value)
}

func TestRunReplicatesChangeToOtherNode(t *testing.T) {
	broker := bus.NewBroker()
	a := newTestNode(t, broker, "node-a")
	b := newTestNode(t, broker, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	resp := a.Execute(command.Request{Op: command.OpSet, Key: "replicated-key", Value: "hello"})
	require.Equal(t, "OK", resp.Status)

	require.Eventually(t, func() bool {
		entry, ok := b.store.Get("replicated-key")
		return ok && entry.Value == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRootHashConvergesAfterReplication(t *testing.T) {
	broker := bus.NewBroker()
	a := newTestNode(t, broker, "node-a")
	b := newTestNode(t, broker, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	a.Execute(command.Request{Op: command.OpSet, Key: "x", Value: "1"})
	a.Execute(command.Request{Op: command.OpSet, Key: "y", Value: "2"})

	require.Eventually(t, func() bool {
		return a.RootHash() == b.RootHash()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusClientSendReceivesResponseOverPubSub(t *testing.T) {
	broker := bus.NewBroker()
	a := newTestNode(t, broker, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = a.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	clientBus := bus.NewMemoryBus(broker)
	require.NoError(t, clientBus.Connect(ctx, bus.Session{ClientID: "node-a-caller"}))

	correlator := command.NewCorrelator(command.CorrelatorOptions{})
	bc := command.NewBusClient(clientBus, correlator, "node-a",
		cmdTopic(a.cfg.TopicPrefix, a.cfg.ClientID), resTopic(a.cfg.TopicPrefix, a.cfg.ClientID))
	require.NoError(t, bc.Start(ctx))

	resp, err := bc.Send(ctx, command.Request{Op: command.OpSet, Key: "bus-key", Value: "bus-value"})
	require.NoError(t, err)
	require.Equal(t, "OK", resp.Status)

	getResp, err := bc.Send(ctx, command.Request{Op: command.OpGet, Key: "bus-key"})
	require.NoError(t, err)
	require.Equal(t, "bus-value", getResp.Value)
}

func TestAntiEntropyReconcilesDivergentState(t *testing.T) {
	broker := bus.NewBroker()
	a := newTestNode(t, broker, "node-a")
	b := newTestNode(t, broker, "node-b")
	a.members.Add("node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.conn.Connect(ctx))
	require.NoError(t, b.conn.Connect(ctx))
	require.NoError(t, a.subscribeAll(ctx))
	require.NoError(t, b.subscribeAll(ctx))

	// b acquires a key that a never saw a replication event for (as if it
	// happened while the two were partitioned).
	require.NoError(t, b.store.Put(storage.Entry{
		Key: "partitioned-key", Value: "value",
		TimestampMs: time.Now().UnixMilli(), NodeID: b.cfg.NodeID, Seq: 1,
	}))

	a.runOneRound(ctx)

	_, ok := a.store.Get("partitioned-key")
	require.True(t, ok)
}
