package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}))

	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", e.Value)
}

func TestLWWHigherTimestampWins(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "old", TimestampMs: 100, NodeID: "n1"}))
	require.NoError(t, s.Put(Entry{Key: "a", Value: "new", TimestampMs: 200, NodeID: "n2"}))

	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "new", e.Value)
}

func TestLWWLowerTimestampLoses(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "new", TimestampMs: 200, NodeID: "n2"}))
	require.NoError(t, s.Put(Entry{Key: "a", Value: "old", TimestampMs: 100, NodeID: "n1"}))

	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "new", e.Value)
}

func TestLWWTieBrokenByNodeID(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "from-alpha", TimestampMs: 100, NodeID: "alpha"}))
	require.NoError(t, s.Put(Entry{Key: "a", Value: "from-zeta", TimestampMs: 100, NodeID: "zeta"}))

	e, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "from-zeta", e.Value, "higher node_id wins a timestamp tie")
}

func TestIdenticalVersionIsNoOp(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	entry := Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}
	require.NoError(t, s.Put(entry))
	require.NoError(t, s.Put(entry))

	require.Len(t, changes, 1, "replaying an identical version vector must not re-fire a change")
}

func TestDeleteHidesKeyFromGet(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}))
	require.NoError(t, s.Delete("a", 200, "n1", 1))

	_, ok := s.Get("a")
	require.False(t, ok)

	raw, ok := s.GetRaw("a")
	require.True(t, ok)
	require.True(t, raw.IsTombstone)
}

func TestPutReconciledMarksChangeReconciled(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	var got Change
	s.OnChange(func(c Change) { got = c })

	require.NoError(t, s.PutReconciled(Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}))
	require.True(t, got.Reconciled)
}

func TestGCTombstonesRespectsRetention(t *testing.T) {
	s, err := New(Options{TombstoneRetention: time.Hour})
	require.NoError(t, err)

	now := time.Now()
	oldTombstoneMs := now.Add(-2 * time.Hour).UnixMilli()
	recentTombstoneMs := now.Add(-10 * time.Minute).UnixMilli()

	require.NoError(t, s.Delete("old", oldTombstoneMs, "n1", 1))
	require.NoError(t, s.Delete("recent", recentTombstoneMs, "n1", 2))

	removed := s.GCTombstones(now)
	require.Equal(t, 1, removed)

	_, ok := s.GetRaw("old")
	require.False(t, ok)
	_, ok = s.GetRaw("recent")
	require.True(t, ok)
}

func TestScanExcludesTombstonesScanAllIncludesThem(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, s.Put(Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}))
	require.NoError(t, s.Delete("b", 100, "n1", 1))

	var live []string
	s.Scan(func(e Entry) bool {
		live = append(live, e.Key)
		return true
	})
	require.Equal(t, []string{"a"}, live)

	var all []string
	s.ScanAll(func(e Entry) bool {
		all = append(all, e.Key)
		return true
	})
	require.ElementsMatch(t, []string{"a", "b"}, all)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(Options{PersistencePath: dir})
	require.NoError(t, err)
	require.NoError(t, s1.Put(Entry{Key: "a", Value: "1", TimestampMs: 100, NodeID: "n1"}))
	require.NoError(t, s1.Close())

	s2, err := New(Options{PersistencePath: dir})
	require.NoError(t, err)
	e, ok := s2.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", e.Value)
	require.NoError(t, s2.Close())
}

func TestInvalidKeyRejected(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	err = s.Put(Entry{Key: "", Value: "1", TimestampMs: 100, NodeID: "n1"})
	require.Error(t, err)
}

func TestOversizedValueRejected(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)

	big := make([]byte, 262145)
	err = s.Put(Entry{Key: "a", Value: string(big), TimestampMs: 100, NodeID: "n1"})
	require.Error(t, err)
}
