package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/propmap"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(agingTime time.Duration) (*Reconciler, *holder.Holder) {
	h := holder.New(10, 10)
	w := waiter.New()
	r := NewReconciler(h, nil, nil, w, agingTime)
	return r, h
}

func TestOnExitSchedulesAgingWhenNoRespawn(t *testing.T) {
	r, h := newTestReconciler(time.Hour)
	c, err := h.Create("box", cred.Peer{UID: 1}, 1, false)
	require.NoError(t, err)
	c.ForceState(container.Running)

	r.OnExit("box", reaper.ExitEvent{PID: 1, Status: 0})

	assert.Equal(t, container.Dead, c.State())
	r.mu.RLock()
	_, tracked := r.deadSince["box"]
	r.mu.RUnlock()
	assert.True(t, tracked)
}

func TestOnExitSchedulesRespawnWhenEnabled(t *testing.T) {
	r, h := newTestReconciler(time.Hour)
	c, err := h.Create("box", cred.Peer{UID: 1}, 1, false)
	require.NoError(t, err)
	require.NoError(t, c.Props.SetValue("respawn", propmap.BoolValue(true)))
	require.NoError(t, c.Props.SetValue("max_respawns", propmap.IntValue(-1)))
	c.ForceState(container.Running)

	r.OnExit("box", reaper.ExitEvent{PID: 1, Status: 1})

	r.mu.RLock()
	_, scheduled := r.pendingRespawn["box"]
	r.mu.RUnlock()
	assert.True(t, scheduled)
}

func TestAgeOutRemovesDeadContainerPastDeadline(t *testing.T) {
	r, h := newTestReconciler(10 * time.Millisecond)
	c, err := h.Create("box", cred.Peer{UID: 1}, 1, false)
	require.NoError(t, err)
	c.ForceState(container.Running)
	r.OnExit("box", reaper.ExitEvent{PID: 1, Status: 0})

	time.Sleep(20 * time.Millisecond)
	r.reconcile()

	_, ok := h.Find("box")
	assert.False(t, ok)
}

func TestAgeOutLeavesContainerRestartedBeforeDeadline(t *testing.T) {
	r, h := newTestReconciler(50 * time.Millisecond)
	c, err := h.Create("box", cred.Peer{UID: 1}, 1, false)
	require.NoError(t, err)
	c.ForceState(container.Running)
	r.OnExit("box", reaper.ExitEvent{PID: 1, Status: 0})

	c.ForceState(container.Running) // container was manually restarted before aging fires
	r.reconcile()

	_, ok := h.Find("box")
	assert.True(t, ok)
}

func TestRespawnRestartsEmptyCommandContainerToMeta(t *testing.T) {
	r, h := newTestReconciler(time.Hour)
	c, err := h.Create("box", cred.Peer{UID: 1}, 1, false)
	require.NoError(t, err)
	require.NoError(t, c.Props.SetValue("respawn", propmap.BoolValue(true)))
	c.ForceState(container.Running)

	r.OnExit("box", reaper.ExitEvent{PID: 1, Status: 1})
	r.mu.Lock()
	r.pendingRespawn["box"] = time.Now().Add(-time.Millisecond)
	r.mu.Unlock()

	r.reconcile()
	assert.Equal(t, container.Meta, c.State())
}
