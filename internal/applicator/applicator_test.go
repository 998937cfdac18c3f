package applicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merklekv/internal/codec"
	"merklekv/internal/storage"
)

func newApplicator(t *testing.T) (*Applicator, *storage.Store) {
	t.Helper()
	s, err := storage.New(storage.Options{})
	require.NoError(t, err)
	a := New(Options{Store: s})
	return a, s
}

func encode(t *testing.T, ev codec.ChangeEvent) []byte {
	t.Helper()
	b, err := codec.Encode(ev)
	require.NoError(t, err)
	return b
}

func TestApplyWritesEntryViaPutReconciled(t *testing.T) {
	a, s := newApplicator(t)

	ev := codec.ChangeEvent{Key: "a", NodeID: "n1", Seq: 1, TimestampMs: 1000, Value: "v1"}
	require.NoError(t, a.Apply(encode(t, ev)))

	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "v1", e.Value)
	require.Equal(t, int64(1), a.Metrics.Snapshot().EventsApplied)
}

func TestApplyDropsDuplicateBySequence(t *testing.T) {
	a, _ := newApplicator(t)
	ev := codec.ChangeEvent{Key: "k", NodeID: "C", Seq: 7, TimestampMs: 1000, Value: "v"}

	require.NoError(t, a.Apply(encode(t, ev)))
	err := a.Apply(encode(t, ev))
	require.Error(t, err)
	require.Equal(t, int64(1), a.Metrics.Snapshot().EventsDuplicate)
}

func TestApplyRejectsFutureSkew(t *testing.T) {
	fixedNow := time.UnixMilli(1_000_000)
	a := New(Options{
		Store:         mustStore(t),
		SkewMaxFuture: 300 * time.Second,
		Now:           func() time.Time { return fixedNow },
	})

	farFuture := fixedNow.Add(time.Hour).UnixMilli()
	ev := codec.ChangeEvent{Key: "a", NodeID: "n1", Seq: 1, TimestampMs: farFuture, Value: "v"}

	err := a.Apply(encode(t, ev))
	require.Error(t, err)
	require.Equal(t, int64(1), a.Metrics.Snapshot().EventsRejectedClockSkew)
}

func TestApplyRejectsOversizedPayload(t *testing.T) {
	a, _ := newApplicator(t)
	big := make([]byte, codec.MaxEncodedBytes+1)
	err := a.Apply(big)
	require.Error(t, err)
	require.Equal(t, int64(1), a.Metrics.Snapshot().EventsRejected)
}

func TestApplyRejectsSchemaError(t *testing.T) {
	a, _ := newApplicator(t)
	err := a.Apply([]byte("not a canonical value"))
	require.Error(t, err)
}

func TestApplyTombstoneDeletesKey(t *testing.T) {
	a, s := newApplicator(t)
	require.NoError(t, s.Put(storage.Entry{Key: "a", Value: "v", TimestampMs: 100, NodeID: "n1"}))

	ev := codec.ChangeEvent{Key: "a", NodeID: "n2", Seq: 1, TimestampMs: 200, Tombstone: true}
	require.NoError(t, a.Apply(encode(t, ev)))

	_, ok := s.Get("a")
	require.False(t, ok)
}

func mustStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(storage.Options{})
	require.NoError(t, err)
	return s
}
