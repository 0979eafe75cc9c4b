package recovery

import (
	"testing"
	"time"

	"github.com/cuemby/portod/pkg/cgroup"
	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/kvstore"
	"github.com/cuemby/portod/pkg/reconciler"
	"github.com/cuemby/portod/pkg/supervisor"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type fakeCgroup struct {
	procs  []int
	frozen bool
}

func (f *fakeCgroup) AddPID(pid int) error                { return nil }
func (f *fakeCgroup) Update(r *specs.LinuxResources) error { return nil }
func (f *fakeCgroup) Freeze() error                        { f.frozen = true; return nil }
func (f *fakeCgroup) Thaw() error                          { f.frozen = false; return nil }
func (f *fakeCgroup) Frozen() bool                          { return f.frozen }
func (f *fakeCgroup) Processes() ([]int, error)             { return f.procs, nil }
func (f *fakeCgroup) Delete() error                         { return nil }
func (f *fakeCgroup) OOMEventFD() (uintptr, error)          { return 0, errors.New(errors.Unknown, "no OOM eventfd in tests") }

var _ cgroup.Controller = (*fakeCgroup)(nil)

func TestRunReconstructsStoppedContainer(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(10, 10)
	h.AttachStore(store)
	sup := supervisor.New(nil, nil, nil)
	rec := reconciler.NewReconciler(h, nil, sup, waiter.New(), time.Hour)

	_, err = h.Create("box", cred.Peer{UID: 7}, 7, true)
	require.NoError(t, err)

	h2 := holder.New(10, 10)
	h2.AttachStore(store)
	sup2 := supervisor.New(nil, nil, nil)
	rec2 := reconciler.NewReconciler(h2, nil, sup2, waiter.New(), time.Hour)
	loader := func(name string) (cgroup.Controller, error) { return nil, assertNotFoundErr }

	r := New(h2, store, sup2, rec2, loader)
	require.NoError(t, r.Run())

	c, ok := h2.Find("box")
	require.True(t, ok)
	assert.Equal(t, container.Stopped, c.State())
	assert.Equal(t, uint32(7), c.Owner.UID)
	_ = rec
}

func TestRunReattachesLiveTaskAsRunning(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(10, 10)
	h.AttachStore(store)
	_, err = h.Create("box", cred.Peer{UID: 1}, 1, true)
	require.NoError(t, err)

	h2 := holder.New(10, 10)
	h2.AttachStore(store)
	sup2 := supervisor.New(nil, nil, nil)
	rec2 := reconciler.NewReconciler(h2, nil, sup2, waiter.New(), time.Hour)
	fake := &fakeCgroup{procs: []int{4242}}
	loader := func(name string) (cgroup.Controller, error) { return fake, nil }

	r := New(h2, store, sup2, rec2, loader)
	require.NoError(t, r.Run())

	c, ok := h2.Find("box")
	require.True(t, ok)
	assert.Equal(t, container.Running, c.State())
	pid, tracked := sup2.PID("box")
	assert.True(t, tracked)
	assert.Equal(t, int32(4242), pid)
}

func TestRunReattachesFrozenTaskAsPaused(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(10, 10)
	h.AttachStore(store)
	_, err = h.Create("box", cred.Peer{UID: 1}, 1, true)
	require.NoError(t, err)

	h2 := holder.New(10, 10)
	h2.AttachStore(store)
	sup2 := supervisor.New(nil, nil, nil)
	rec2 := reconciler.NewReconciler(h2, nil, sup2, waiter.New(), time.Hour)
	fake := &fakeCgroup{procs: []int{99}, frozen: true}
	loader := func(name string) (cgroup.Controller, error) { return fake, nil }

	r := New(h2, store, sup2, rec2, loader)
	require.NoError(t, r.Run())

	c, ok := h2.Find("box")
	require.True(t, ok)
	assert.Equal(t, container.Paused, c.State())
}

func TestRunSynthesizesLostDeadForEmptyCgroup(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(10, 10)
	h.AttachStore(store)
	_, err = h.Create("box", cred.Peer{UID: 1}, 1, true)
	require.NoError(t, err)

	h2 := holder.New(10, 10)
	h2.AttachStore(store)
	sup2 := supervisor.New(nil, nil, nil)
	rec2 := reconciler.NewReconciler(h2, nil, sup2, waiter.New(), time.Hour)
	fake := &fakeCgroup{procs: nil}
	loader := func(name string) (cgroup.Controller, error) { return fake, nil }

	r := New(h2, store, sup2, rec2, loader)
	require.NoError(t, r.Run())

	c, ok := h2.Find("box")
	require.True(t, ok)
	assert.Equal(t, container.Dead, c.State())
}

func TestRunRecomputesMetaForParentOfRunningChild(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(10, 10)
	h.AttachStore(store)
	_, err = h.Create("parent", cred.Peer{UID: 1}, 1, true)
	require.NoError(t, err)
	_, err = h.Create("parent/child", cred.Peer{UID: 1}, 1, true)
	require.NoError(t, err)

	h2 := holder.New(10, 10)
	h2.AttachStore(store)
	sup2 := supervisor.New(nil, nil, nil)
	rec2 := reconciler.NewReconciler(h2, nil, sup2, waiter.New(), time.Hour)
	fake := &fakeCgroup{procs: []int{55}}
	loader := func(name string) (cgroup.Controller, error) {
		if name == "parent/child" {
			return fake, nil
		}
		return nil, assertNotFoundErr
	}

	r := New(h2, store, sup2, rec2, loader)
	require.NoError(t, r.Run())

	parent, ok := h2.Find("parent")
	require.True(t, ok)
	assert.Equal(t, container.Meta, parent.State())
}

var assertNotFoundErr = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "cgroup not found" }
