package propmap

import (
	"testing"

	portoerrors "github.com/cuemby/portod/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUintUnitSuffix(t *testing.T) {
	n, err := ParseUint("32M", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(32*1<<20), n)

	n, err = ParseUint("128", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), n)
}

func TestParseBoolStrict(t *testing.T) {
	b, err := ParseBool("true")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ParseBool("yes")
	require.Error(t, err)
	assert.Equal(t, portoerrors.InvalidValue, portoerrors.KindOf(err))
}

func TestParseListEscaping(t *testing.T) {
	got := ParseList(`a; b\;c; d`)
	assert.Equal(t, []string{"a", "b;c", "d"}, got)
}

func TestParseMap(t *testing.T) {
	m, err := ParseMap("eth0: 10M; eth1: 1G")
	require.NoError(t, err)
	assert.Equal(t, uint64(10*1<<20), m["eth0"])
	assert.Equal(t, uint64(1<<30), m["eth1"])
}

func TestSetPropertyRejectsWrongState(t *testing.T) {
	reg := DefaultRegistry()
	m := New(reg, nil)

	err := m.SetProperty("respawn", "true", "running", false, false)
	require.NoError(t, err)

	err = m.SetProperty("command", "sleep 10", "running", false, false)
	require.Error(t, err)
	assert.Equal(t, portoerrors.InvalidState, portoerrors.KindOf(err))
}

func TestSetPropertyUnknownName(t *testing.T) {
	m := New(DefaultRegistry(), nil)
	err := m.SetProperty("nonsense", "x", "stopped", false, false)
	require.Error(t, err)
	assert.Equal(t, portoerrors.InvalidProperty, portoerrors.KindOf(err))
}

func TestSuperuserOnlyGate(t *testing.T) {
	m := New(DefaultRegistry(), nil)
	err := m.SetProperty("devices", "/dev/fuse", "stopped", false, false)
	require.Error(t, err)
	assert.Equal(t, portoerrors.Permission, portoerrors.KindOf(err))

	err = m.SetProperty("devices", "/dev/fuse", "stopped", true, false)
	require.NoError(t, err)
}

func TestParentDefaultInheritance(t *testing.T) {
	reg := DefaultRegistry()
	parent := New(reg, nil)
	require.NoError(t, parent.SetProperty("memory_limit", "256M", "stopped", false, false))

	child := New(reg, parent)
	v, err := child.GetProperty("memory_limit")
	require.NoError(t, err)
	assert.Equal(t, uint64(256*1<<20), v.Uint)

	require.NoError(t, child.SetProperty("memory_limit", "64M", "stopped", false, false))
	v, err = child.GetProperty("memory_limit")
	require.NoError(t, err)
	assert.Equal(t, uint64(64*1<<20), v.Uint)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	reg := DefaultRegistryWithCapabilities(Capabilities{CPUSmart: true})
	m := New(reg, nil)
	require.NoError(t, m.SetProperty("command", "sleep 100", "stopped", false, false))
	require.NoError(t, m.SetProperty("cpu_policy", "rt", "stopped", false, false))

	snap := m.Snapshot()

	m2 := New(reg, nil)
	m2.Restore(snap)

	v, err := m2.GetProperty("command")
	require.NoError(t, err)
	assert.Equal(t, "sleep 100", v.Str)

	v, err = m2.GetProperty("cpu_policy")
	require.NoError(t, err)
	assert.Equal(t, "rt", v.Str)
}

func TestOsModeResetRejectsWrite(t *testing.T) {
	reg := NewRegistry([]*Descriptor{
		{Name: "x", Type: TBool, Default: BoolValue(false), Flags: OsModeReset, Writable: []string{"stopped"}},
	})
	m := New(reg, nil)
	err := m.SetProperty("x", "true", "stopped", false, true)
	require.Error(t, err)
	assert.Equal(t, portoerrors.InvalidState, portoerrors.KindOf(err))

	err = m.SetProperty("x", "true", "stopped", false, false)
	require.NoError(t, err)
}

func TestCpuPolicyRejectsRtWithoutCpuSmart(t *testing.T) {
	m := New(DefaultRegistryWithCapabilities(Capabilities{CPUSmart: false}), nil)

	err := m.SetProperty("cpu_policy", "rt", "stopped", false, false)
	require.Error(t, err)
	assert.Equal(t, portoerrors.NotSupported, portoerrors.KindOf(err))

	err = m.SetProperty("cpu_policy", "normal", "stopped", false, false)
	require.NoError(t, err)
}

func TestCpuPolicyAcceptsRtWithCpuSmart(t *testing.T) {
	m := New(DefaultRegistryWithCapabilities(Capabilities{CPUSmart: true}), nil)
	require.NoError(t, m.SetProperty("cpu_policy", "rt", "stopped", false, false))
	require.NoError(t, m.SetProperty("cpu_policy", "idle", "stopped", false, false))
}

func TestGetDataDefault(t *testing.T) {
	m := New(DefaultRegistry(), nil)
	v, err := m.GetData("state")
	require.NoError(t, err)
	assert.Equal(t, "stopped", v.Str)
}

func TestPropertyAndDataNamesExcludeEachOther(t *testing.T) {
	reg := DefaultRegistry()
	props := reg.Names(false, true)
	for _, n := range props {
		d, _ := reg.Lookup(n)
		assert.NotEmpty(t, d.Writable, "property name %s should be writable", n)
	}
}
