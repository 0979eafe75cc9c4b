// Package recovery implements the slave startup sequence (spec §4.6):
// reconstructing the container tree from KvStore before the RPC listener
// opens, re-attaching any task still alive in its freezer cgroup, and
// synthesizing a "lost" exit for anything that died while no daemon was
// watching. A subtree is never killed during recovery; only state is read.
package recovery

import (
	"sort"
	"strings"

	"github.com/cuemby/portod/pkg/cgroup"
	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/kvstore"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/cuemby/portod/pkg/reconciler"
	"github.com/cuemby/portod/pkg/supervisor"
	"github.com/rs/zerolog"
)

// Loader resolves the freezer cgroup for a container name, or an error if
// none exists on disk. Abstracted from cgroup.Load so tests can substitute
// a fake instead of requiring a real cgroupfs.
type Loader func(name string) (cgroup.Controller, error)

// DefaultLoader wraps cgroup.Load for production use.
func DefaultLoader(name string) (cgroup.Controller, error) {
	return cgroup.Load(name)
}

// Recoverer runs the recovery sequence once, at slave startup.
type Recoverer struct {
	holder *holder.Holder
	store  *kvstore.Store
	sup    *supervisor.TaskSupervisor
	rec    *reconciler.Reconciler
	load   Loader
	logger zerolog.Logger
}

// New builds a Recoverer. load may be nil to use DefaultLoader.
func New(h *holder.Holder, store *kvstore.Store, sup *supervisor.TaskSupervisor, rec *reconciler.Reconciler, load Loader) *Recoverer {
	if load == nil {
		load = DefaultLoader
	}
	return &Recoverer{
		holder: h,
		store:  store,
		sup:    sup,
		rec:    rec,
		load:   load,
		logger: log.WithComponent("recovery"),
	}
}

// Run reconstructs every container KvStore has a record for, then
// re-derives Meta state once the whole tree is back. Parents are always
// reconstructed before children since Reconstruct requires the parent to
// already be registered.
func (r *Recoverer) Run() error {
	names, err := r.store.List()
	if err != nil {
		return err
	}
	sort.Slice(names, func(i, j int) bool { return depth(names[i]) < depth(names[j]) })

	for _, name := range names {
		node, err := r.store.Load(name)
		if err != nil {
			r.logger.Warn().Str("container", name).Err(err).Msg("failed loading kv record, skipping")
			continue
		}

		owner := holder.ParseOwner(node)
		c, err := r.holder.Reconstruct(name, owner, node)
		if err != nil {
			r.logger.Warn().Str("container", name).Err(err).Msg("failed reconstructing container, skipping")
			continue
		}
		metrics.RecoveredContainersTotal.Inc()
		r.reattach(c)
	}

	for _, name := range names {
		r.holder.RecomputeMeta(name)
	}

	if err := r.holder.RebuildRegCache(); err != nil {
		r.logger.Warn().Err(err).Msg("failed rebuilding regcache from recovered registry")
	}
	return nil
}

// reattach inspects name's freezer cgroup (§4.6 step 3 and step 6): a
// present cgroup with live pids means the container was Running or Paused
// when the previous daemon process exited, so the task is re-adopted; a
// present but empty cgroup means it was Running and died unobserved, so a
// synthetic exit is applied instead.
func (r *Recoverer) reattach(c *container.Container) {
	mgr, err := r.load(c.Name)
	if err != nil {
		// No cgroup on disk: never started, or cleanly Stopped (which
		// deletes the cgroup) before the crash. Stays Stopped.
		return
	}

	procs, err := mgr.Processes()
	if err != nil {
		r.logger.Warn().Str("container", c.Name).Err(err).Msg("failed listing cgroup processes")
		return
	}

	if len(procs) > 0 {
		task := composer.AttachTask(c.Name, procs[0], mgr)
		c.AttachRecovered(task, r.sup, mgr.Frozen())
		return
	}

	metrics.LostContainersTotal.Inc()
	r.rec.OnExit(c.Name, reaper.ExitEvent{Status: -1})
}

func depth(name string) int {
	return strings.Count(name, "/")
}
