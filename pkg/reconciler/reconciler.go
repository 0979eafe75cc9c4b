package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/cuemby/portod/pkg/supervisor"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/rs/zerolog"
)

// Reconciler drives the two timers Container and Holder never own
// themselves: how long a Dead container survives before aging out
// (aging_time), and when a respawn-eligible container actually restarts
// (respawn_delay_ms). It is also the TaskSupervisor.ExitHandler — exit
// events become container state transitions here.
type Reconciler struct {
	holder    *holder.Holder
	comp      *composer.Composer
	sup       *supervisor.TaskSupervisor
	waiters   *waiter.Set
	agingTime time.Duration
	logger    zerolog.Logger

	mu             sync.RWMutex
	deadSince      map[string]time.Time
	pendingRespawn map[string]time.Time

	stopCh chan struct{}
}

// NewReconciler builds a Reconciler wired to the running daemon's
// collaborators. agingTime (Config.DefaultAgingTime in the daemon) applies
// to every Dead container; the per-container aging_time property is not
// consulted.
func NewReconciler(h *holder.Holder, comp *composer.Composer, sup *supervisor.TaskSupervisor, waiters *waiter.Set, agingTime time.Duration) *Reconciler {
	return &Reconciler{
		holder:         h,
		comp:           comp,
		sup:            sup,
		waiters:        waiters,
		agingTime:      agingTime,
		logger:         log.WithComponent("reconciler"),
		deadSince:      make(map[string]time.Time),
		pendingRespawn: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	now := time.Now()

	r.mu.Lock()
	due := make([]string, 0)
	for name, at := range r.pendingRespawn {
		if !now.Before(at) {
			due = append(due, name)
			delete(r.pendingRespawn, name)
		}
	}
	aged := make([]string, 0)
	for name, at := range r.deadSince {
		if now.Sub(at) >= r.agingTime {
			aged = append(aged, name)
			delete(r.deadSince, name)
		}
	}
	r.mu.Unlock()

	for _, name := range due {
		r.respawn(name)
	}
	for _, name := range aged {
		r.ageOut(name)
	}
}

// OnExit is the TaskSupervisor.ExitHandler: it resolves name back to its
// Container, applies the exit, notifies waiters, and schedules aging or
// respawn as appropriate (spec §4.2 "Exit delivery").
func (r *Reconciler) OnExit(name string, ev reaper.ExitEvent) {
	c, ok := r.holder.Find(name)
	if !ok {
		r.logger.Warn().Str("container", name).Msg("exit event for unknown container")
		return
	}

	respawn := c.HandleExit(ev)
	r.waiters.Notify(name)
	r.holder.RecomputeMeta(holder.ParentName(name))

	r.mu.Lock()
	if respawn {
		r.pendingRespawn[name] = time.Now().Add(c.RespawnDelay())
	} else {
		r.deadSince[name] = time.Now()
	}
	r.mu.Unlock()
}

func (r *Reconciler) respawn(name string) {
	c, ok := r.holder.Find(name)
	if !ok || c.State() != container.Dead {
		return
	}
	c.ForceState(container.Stopped)
	if err := r.holder.Start(name, r.comp, r.sup); err != nil {
		r.logger.Warn().Str("container", name).Err(err).Msg("respawn failed")
	}
}

func (r *Reconciler) ageOut(name string) {
	c, ok := r.holder.Find(name)
	if !ok || c.State() != container.Dead {
		return
	}
	if err := r.holder.Destroy(name, c.Owner.UID, true); err != nil {
		r.logger.Warn().Str("container", name).Err(err).Msg("age-out destroy failed")
		return
	}
	metrics.ReapedContainersTotal.Inc()
}
