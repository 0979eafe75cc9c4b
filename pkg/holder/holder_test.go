package holder

import (
	"testing"

	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNameAcceptsNestedPath(t *testing.T) {
	assert.NoError(t, ValidateName("a/b/c-1"))
}

func TestValidateNameRejectsEmptySegment(t *testing.T) {
	assert.Error(t, ValidateName("a//b"))
}

func TestValidateNameRejectsTooLong(t *testing.T) {
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateName(string(long)))
}

func TestParentNameTopLevelIsEmpty(t *testing.T) {
	assert.Equal(t, "", ParentName("top"))
	assert.Equal(t, "top", ParentName("top/child"))
}

func TestCreateAndFind(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000, GID: 1000}

	c, err := h.Create("box", owner, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, "box", c.Name)

	found, ok := h.Find("box")
	require.True(t, ok)
	assert.Same(t, c, found)
}

func TestCreateDuplicateFails(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("box", owner, 1000, false)
	require.NoError(t, err)

	_, err = h.Create("box", owner, 1000, false)
	assert.Error(t, err)
}

func TestCreateChildRequiresExistingParent(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("parent/child", owner, 1000, false)
	assert.Error(t, err)
}

func TestCreateChildRejectsOtherUIDWithoutSuperuser(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)

	_, err = h.Create("parent/child", cred.Peer{UID: 2000}, 2000, false)
	assert.Error(t, err)
}

func TestCreateRespectsMaxTotal(t *testing.T) {
	h := New(1, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("a", owner, 1000, false)
	require.NoError(t, err)

	_, err = h.Create("b", owner, 1000, false)
	assert.Error(t, err)
}

func TestDestroyRemovesChildrenFirst(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	_, err = h.Create("parent/child", owner, 1000, false)
	require.NoError(t, err)

	require.NoError(t, h.Destroy("parent", 1000, false))

	_, ok := h.Find("parent")
	assert.False(t, ok)
	_, ok = h.Find("parent/child")
	assert.False(t, ok)
}

func TestDestroyRejectsPausedDescendant(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	child, err := h.Create("parent/child", owner, 1000, false)
	require.NoError(t, err)

	child.ForceState(container.Paused)
	assert.Error(t, h.Destroy("parent", 1000, false))
}

func TestDirectChildrenExcludesGrandchildren(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("a", owner, 1000, false)
	require.NoError(t, err)
	_, err = h.Create("a/b", owner, 1000, false)
	require.NoError(t, err)
	_, err = h.Create("a/b/c", owner, 1000, false)
	require.NoError(t, err)

	kids := h.DirectChildren("a")
	require.Len(t, kids, 1)
	assert.Equal(t, "a/b", kids[0].Name)
}

func TestGetBatchReportsMissingWithoutAborting(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("box", owner, 1000, false)
	require.NoError(t, err)

	result := h.Get([]string{"box", "ghost"}, []string{"state"})
	assert.Equal(t, "stopped", result["box"]["state"].Value)
	assert.Error(t, result["ghost"]["state"].Err)
}

func TestRecomputeMetaPromotesParentWithActiveChild(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	parent, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	child, err := h.Create("parent/child", owner, 1000, false)
	require.NoError(t, err)

	child.ForceState(container.Running)
	h.RecomputeMeta("parent")
	assert.Equal(t, container.Meta, parent.State())
}

func TestSetPropertyRejectsChildLimitAboveParent(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	parent, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	child, err := h.Create("parent/child", owner, 1000, false)
	require.NoError(t, err)

	require.NoError(t, h.SetProperty(parent, "memory_limit", "256M", "stopped", false, false))

	err = h.SetProperty(child, "memory_limit", "512M", "stopped", false, false)
	require.Error(t, err)

	require.NoError(t, h.SetProperty(child, "memory_limit", "128M", "stopped", false, false))
}

func TestSetPropertyRejectsSiblingGuaranteeOverflow(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	_, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	a, err := h.Create("parent/a", owner, 1000, false)
	require.NoError(t, err)
	b, err := h.Create("parent/b", owner, 1000, false)
	require.NoError(t, err)

	parent, _ := h.Find("parent")
	require.NoError(t, h.SetProperty(parent, "memory_guarantee", "256M", "stopped", false, false))

	require.NoError(t, h.SetProperty(a, "memory_guarantee", "200M", "stopped", false, false))

	err = h.SetProperty(b, "memory_guarantee", "100M", "stopped", false, false)
	require.Error(t, err)

	require.NoError(t, h.SetProperty(b, "memory_guarantee", "56M", "stopped", false, false))
}

func TestSetPropertyRejectsTreeWideGuaranteeOverflow(t *testing.T) {
	h := New(10, 10)
	h.AttachMemoryBudget(1<<30, 256<<20) // 1G physical, 256M reserved => 768M budget
	owner := cred.Peer{UID: 1000}
	a, err := h.Create("a", owner, 1000, false)
	require.NoError(t, err)
	b, err := h.Create("b", owner, 1000, false)
	require.NoError(t, err)

	require.NoError(t, h.SetProperty(a, "memory_guarantee", "700M", "stopped", false, false))

	err = h.SetProperty(b, "memory_guarantee", "100M", "stopped", false, false)
	require.Error(t, err)

	require.NoError(t, h.SetProperty(b, "memory_guarantee", "68M", "stopped", false, false))
}

func TestRecomputeMetaDemotesWhenChildStops(t *testing.T) {
	h := New(10, 10)
	owner := cred.Peer{UID: 1000}
	parent, err := h.Create("parent", owner, 1000, false)
	require.NoError(t, err)
	child, err := h.Create("parent/child", owner, 1000, false)
	require.NoError(t, err)

	child.ForceState(container.Running)
	h.RecomputeMeta("parent")
	require.Equal(t, container.Meta, parent.State())

	child.ForceState(container.Stopped)
	h.RecomputeMeta("parent")
	assert.Equal(t, container.Stopped, parent.State())
}
