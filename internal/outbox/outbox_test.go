package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merklekv/internal/bus"
)

var errPublishFailed = errors.New("publish failed")

type fakeBus struct {
	mu        sync.Mutex
	connected bool
	published [][]byte
	failNext  int
}

func (f *fakeBus) Connect(context.Context, bus.Session) error { return nil }
func (f *fakeBus) Disconnect(context.Context, bool) error     { return nil }
func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errPublishFailed
	}
	f.published = append(f.published, payload)
	return nil
}
func (f *fakeBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (f *fakeBus) Unsubscribe(context.Context, string) error           { return nil }

func (f *fakeBus) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.published))
	copy(out, f.published)
	return out
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	o, err := New(Options{Capacity: 2})
	require.NoError(t, err)

	require.NoError(t, o.Enqueue([]byte("1")))
	require.NoError(t, o.Enqueue([]byte("2")))
	require.NoError(t, o.Enqueue([]byte("3")))

	require.Equal(t, 2, o.Len())
	require.Equal(t, int64(1), o.Dropped())
}

func TestRunPublishesInFIFOOrder(t *testing.T) {
	b := &fakeBus{connected: true}
	o, err := New(Options{Capacity: 10, Topic: "mkv/replication/events", Bus: b})
	require.NoError(t, err)

	require.NoError(t, o.Enqueue([]byte("1")))
	require.NoError(t, o.Enqueue([]byte("2")))
	require.NoError(t, o.Enqueue([]byte("3")))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go o.Run(ctx, func() bool { return true })

	require.Eventually(t, func() bool { return o.Len() == 0 }, 400*time.Millisecond, 5*time.Millisecond)

	got := b.snapshot()
	require.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, got)
}

func TestMirrorReplaysUnpublishedEventsAfterRestart(t *testing.T) {
	dir := t.TempDir()

	o1, err := New(Options{Capacity: 10, PersistencePath: dir})
	require.NoError(t, err)
	require.NoError(t, o1.Enqueue([]byte("a")))
	require.NoError(t, o1.Enqueue([]byte("b")))
	require.NoError(t, o1.Close())

	o2, err := New(Options{Capacity: 10, PersistencePath: dir})
	require.NoError(t, err)
	require.Equal(t, 2, o2.Len())
	require.NoError(t, o2.Close())
}

func TestMirrorDoesNotReplayPublishedEvents(t *testing.T) {
	dir := filepath.Clean(t.TempDir())
	b := &fakeBus{connected: true}

	o1, err := New(Options{Capacity: 10, Topic: "t", Bus: b, PersistencePath: dir})
	require.NoError(t, err)
	require.NoError(t, o1.Enqueue([]byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	go o1.Run(ctx, func() bool { return true })
	require.Eventually(t, func() bool { return o1.Len() == 0 }, 250*time.Millisecond, 5*time.Millisecond)
	cancel()
	require.NoError(t, o1.Close())

	o2, err := New(Options{Capacity: 10, PersistencePath: dir})
	require.NoError(t, err)
	require.Equal(t, 0, o2.Len())
	require.NoError(t, o2.Close())
}
