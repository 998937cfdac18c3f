package sequencer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextStartsAtOneAndIncrements(t *testing.T) {
	s := New()

	first, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, int64(2), second)
}

func TestOpenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq")

	s1, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s1.Next()
		require.NoError(t, err)
	}
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	next, err := s2.Next()
	require.NoError(t, err)
	require.Equal(t, int64(6), next, "seq after restart must be strictly greater than any seq emitted before the crash")
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
}
