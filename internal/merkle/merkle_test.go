package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"merklekv/internal/storage"
)

func newStoreWith(t *testing.T, entries ...storage.Entry) *storage.Store {
	t.Helper()
	s, err := storage.New(storage.Options{})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, s.Put(e))
	}
	return s
}

func TestEmptyTreeRootIsCanonicalEmptyHash(t *testing.T) {
	tree := New()
	require.Equal(t, emptyRoot, tree.RootHash())
}

func TestRootHashIndependentOfInsertionOrder(t *testing.T) {
	a := newStoreWith(t,
		storage.Entry{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "b", Value: "2", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "c", Value: "3", TimestampMs: 1, NodeID: "n1"},
	)
	b := newStoreWith(t,
		storage.Entry{Key: "c", Value: "3", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "b", Value: "2", TimestampMs: 1, NodeID: "n1"},
	)

	treeA := New()
	treeA.RebuildFromStorage(a)
	treeB := New()
	treeB.RebuildFromStorage(b)

	require.Equal(t, treeA.RootHash(), treeB.RootHash(), "identical contents must hash identically regardless of insertion order")
}

func TestApplyDeltaMatchesFullRebuild(t *testing.T) {
	s := newStoreWith(t,
		storage.Entry{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "b", Value: "2", TimestampMs: 1, NodeID: "n1"},
	)

	incremental := New()
	incremental.ApplyDelta([]storage.Entry{
		{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"},
		{Key: "b", Value: "2", TimestampMs: 1, NodeID: "n1"},
	})

	rebuilt := New()
	rebuilt.RebuildFromStorage(s)

	require.Equal(t, rebuilt.RootHash(), incremental.RootHash(), "incremental update must match a full rebuild")
}

func TestTombstoneChangesRootHash(t *testing.T) {
	live := New()
	live.ApplyDelta([]storage.Entry{{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"}})

	deleted := New()
	deleted.ApplyDelta([]storage.Entry{{Key: "a", TimestampMs: 2, NodeID: "n1", IsTombstone: true}})

	require.NotEqual(t, live.RootHash(), deleted.RootHash())
}

func TestOnRootChangeFiresOnlyWhenRootActuallyChanges(t *testing.T) {
	tree := New()
	fired := 0
	tree.OnRootChange(func(Hash) { fired++ })

	tree.ApplyDelta([]storage.Entry{{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"}})
	require.Equal(t, 1, fired)

	// Re-applying the identical leaf content must not change the root.
	tree.ApplyDelta([]storage.Entry{{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"}})
	require.Equal(t, 1, fired)
}

func TestRebuildResultReportsLeafCount(t *testing.T) {
	s := newStoreWith(t,
		storage.Entry{Key: "a", Value: "1", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "b", Value: "2", TimestampMs: 1, NodeID: "n1"},
		storage.Entry{Key: "c", Value: "3", TimestampMs: 1, NodeID: "n1"},
	)
	result := New().RebuildFromStorage(s)
	require.Equal(t, 3, result.LeafCount)
}
