package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversPublishedMessage(t *testing.T) {
	broker := NewBroker()
	publisher := NewMemoryBus(broker)
	subscriber := NewMemoryBus(broker)
	ctx := context.Background()

	require.NoError(t, publisher.Connect(ctx, Session{ClientID: "pub"}))
	require.NoError(t, subscriber.Connect(ctx, Session{ClientID: "sub"}))

	received := make(chan []byte, 1)
	require.NoError(t, subscriber.Subscribe(ctx, "mkv/replication/events", func(topic string, payload []byte) {
		received <- payload
	}))

	require.NoError(t, publisher.Publish(ctx, "mkv/replication/events", []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, "hello", string(got))
	default:
		t.Fatal("expected synchronous delivery to the subscriber")
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()
	pub := NewMemoryBus(broker)
	sub := NewMemoryBus(broker)
	ctx := context.Background()
	require.NoError(t, pub.Connect(ctx, Session{ClientID: "pub"}))
	require.NoError(t, sub.Connect(ctx, Session{ClientID: "sub"}))

	count := 0
	require.NoError(t, sub.Subscribe(ctx, "t", func(string, []byte) { count++ }))
	require.NoError(t, pub.Publish(ctx, "t", []byte("1")))
	require.NoError(t, sub.Unsubscribe(ctx, "t"))
	require.NoError(t, pub.Publish(ctx, "t", []byte("2")))

	require.Equal(t, 1, count)
}

func TestDisconnectPublishesLastWillUnlessSuppressed(t *testing.T) {
	broker := NewBroker()
	node := NewMemoryBus(broker)
	watcher := NewMemoryBus(broker)
	ctx := context.Background()
	require.NoError(t, watcher.Connect(ctx, Session{ClientID: "watcher"}))

	var lwt []byte
	require.NoError(t, watcher.Subscribe(ctx, "mkv/node-a/res", func(_ string, payload []byte) { lwt = payload }))

	require.NoError(t, node.Connect(ctx, Session{
		ClientID:        "node-a",
		LastWillTopic:   "mkv/node-a/res",
		LastWillPayload: []byte(`{"status":"offline"}`),
	}))
	require.NoError(t, node.Disconnect(ctx, false))

	require.Equal(t, `{"status":"offline"}`, string(lwt))
}

func TestGracefulDisconnectSuppressesLastWill(t *testing.T) {
	broker := NewBroker()
	node := NewMemoryBus(broker)
	watcher := NewMemoryBus(broker)
	ctx := context.Background()
	require.NoError(t, watcher.Connect(ctx, Session{ClientID: "watcher"}))

	fired := false
	require.NoError(t, watcher.Subscribe(ctx, "mkv/node-a/res", func(_ string, _ []byte) { fired = true }))

	require.NoError(t, node.Connect(ctx, Session{
		ClientID:        "node-a",
		LastWillTopic:   "mkv/node-a/res",
		LastWillPayload: []byte(`{"status":"offline"}`),
	}))
	require.NoError(t, node.Disconnect(ctx, true))

	require.False(t, fired)
}

func TestPublishWhileDisconnectedFails(t *testing.T) {
	broker := NewBroker()
	node := NewMemoryBus(broker)
	err := node.Publish(context.Background(), "t", []byte("x"))
	require.Error(t, err)
}
