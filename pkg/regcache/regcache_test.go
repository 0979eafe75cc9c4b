package regcache

import (
	"path/filepath"
	"testing"

	portoerrors "github.com/cuemby/portod/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "regcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := open(t)
	require.NoError(t, c.Put(Summary{Name: "a", State: "running", RootPID: 42}))

	got, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "running", got.State)
	assert.Equal(t, 42, got.RootPID)
}

func TestGetMissingReturnsContainerDoesNotExist(t *testing.T) {
	c := open(t)
	_, err := c.Get("nope")
	require.Error(t, err)
	assert.Equal(t, portoerrors.ContainerDoesNotExist, portoerrors.KindOf(err))
}

func TestDeleteThenList(t *testing.T) {
	c := open(t)
	require.NoError(t, c.Put(Summary{Name: "a", State: "running"}))
	require.NoError(t, c.Put(Summary{Name: "b", State: "stopped"}))
	require.NoError(t, c.Delete("a"))

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Name)
}

func TestRebuildReplacesContents(t *testing.T) {
	c := open(t)
	require.NoError(t, c.Put(Summary{Name: "stale", State: "dead"}))

	require.NoError(t, c.Rebuild([]Summary{
		{Name: "fresh-1", State: "running"},
		{Name: "fresh-2", State: "stopped"},
	}))

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = c.Get("stale")
	assert.Equal(t, portoerrors.ContainerDoesNotExist, portoerrors.KindOf(err))
}
