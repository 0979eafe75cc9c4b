package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndLoadMerges(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Append("a/b", Node{"state": "stopped", "command": "sleep 1"}))
	require.NoError(t, s.Append("a/b", Node{"state": "running"}))

	node, err := s.Load("a/b")
	require.NoError(t, err)
	assert.Equal(t, Node{"state": "running", "command": "sleep 1"}, node)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	node, err := s.Load("never/created")
	require.NoError(t, err)
	assert.Empty(t, node)
}

func TestSaveTruncatesHistory(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Append("c", Node{"state": "stopped"}))
	require.NoError(t, s.Append("c", Node{"exit_status": "0"}))
	require.NoError(t, s.Save("c", Node{"state": "dead"}))

	node, err := s.Load("c")
	require.NoError(t, err)
	assert.Equal(t, Node{"state": "dead"}, node)
}

func TestRemoveThenListOmits(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Append("x", Node{"state": "stopped"}))
	require.NoError(t, s.Append("y", Node{"state": "stopped"}))
	require.NoError(t, s.Remove("x"))

	names, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y"}, names)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Remove("never/created"))
}

func TestNestedNamePathTranslation(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Append("parent/child", Node{"state": "running"}))

	names, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"parent/child"}, names)
}

func TestCompactionPreservesLatestValues(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	// Force the compaction path without needing compactionThreshold bytes
	// of real history: seed the size cache directly.
	require.NoError(t, s.Append("big", Node{"state": "stopped"}))
	s.mu.Lock()
	s.size["big"] = compactionThreshold + 1
	s.mu.Unlock()

	require.NoError(t, s.Append("big", Node{"state": "running"}))

	node, err := s.Load("big")
	require.NoError(t, err)
	assert.Equal(t, Node{"state": "running"}, node)
}
