package nsmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuildPlanIsolateFalseSharesNamespaces(t *testing.T) {
	p := BuildPlan(false, true, "", "", nil)
	assert.Empty(t, p.Namespaces)
	assert.Equal(t, uintptr(0), p.UnshareFlags())
}

func TestBuildPlanIsolateTrueWithoutNet(t *testing.T) {
	p := BuildPlan(true, false, "box", "/rootfs", nil)
	flags := p.UnshareFlags()
	assert.NotZero(t, flags&unix.CLONE_NEWPID)
	assert.NotZero(t, flags&unix.CLONE_NEWNS)
	assert.NotZero(t, flags&unix.CLONE_NEWUTS)
	assert.NotZero(t, flags&unix.CLONE_NEWIPC)
	assert.Zero(t, flags&unix.CLONE_NEWNET)
}

func TestBuildPlanIsolateTrueWithNet(t *testing.T) {
	p := BuildPlan(true, true, "", "", nil)
	assert.NotZero(t, p.UnshareFlags()&unix.CLONE_NEWNET)
}

func TestParseBindDefaultsToReadWrite(t *testing.T) {
	b, err := ParseBind("/host/data /container/data")
	require.NoError(t, err)
	assert.Equal(t, "/host/data", b.Source)
	assert.Equal(t, "/container/data", b.Destination)
	assert.False(t, b.ReadOnly)
}

func TestParseBindReadOnly(t *testing.T) {
	b, err := ParseBind("/host/data /container/data ro")
	require.NoError(t, err)
	assert.True(t, b.ReadOnly)
}

func TestParseBindRejectsMissingDestination(t *testing.T) {
	_, err := ParseBind("/host/data")
	require.Error(t, err)
}
