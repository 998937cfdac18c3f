package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextPeerRoundRobinsOverAlivePeers(t *testing.T) {
	m := New()
	m.Add("b")
	m.Add("a")
	m.Add("c")

	var seen []string
	for i := 0; i < 3; i++ {
		id, ok := m.NextPeer()
		require.True(t, ok)
		seen = append(seen, id)
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMarkDownExcludesPeerFromSelection(t *testing.T) {
	m := New()
	m.Add("a")
	m.Add("b")
	m.MarkDown("a")

	for i := 0; i < 4; i++ {
		id, ok := m.NextPeer()
		require.True(t, ok)
		require.Equal(t, "b", id)
	}
}

func TestNextPeerFalseWhenNoneAlive(t *testing.T) {
	m := New()
	_, ok := m.NextPeer()
	require.False(t, ok)
}
