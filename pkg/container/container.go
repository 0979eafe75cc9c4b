// Package container implements the Container state machine (spec §4.2):
// create/start/stop/pause/resume/kill, parent/child cascade rules, Meta
// inference, and respawn. It composes pkg/propmap for typed properties and
// pkg/composer for the actual fork/namespace/cgroup materialisation, but
// owns none of the registry bookkeeping (name/id uniqueness, hierarchy
// construction) — that is pkg/holder's job, one layer up.
package container

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/nsmgr"
	"github.com/cuemby/portod/pkg/oomwatch"
	"github.com/cuemby/portod/pkg/propmap"
	"github.com/cuemby/portod/pkg/reaper"
	"github.com/cuemby/portod/pkg/supervisor"
)

// Container is one node in the Holder's tree. Parent/Children are weak
// references in the sense that neither owns the other's lifetime — Holder
// owns all of them by name/id — but within a single process they are plain
// pointers, not IDs, since there is no cross-process sharing to guard
// against (spec §3: "Ownership summary").
type Container struct {
	mu sync.Mutex

	Name   string
	ID     int
	Owner  cred.Peer
	Parent *Container
	state  State

	Props *propmap.PropertyMap

	task         *composer.Task
	RespawnCount uint64
	LostRestored bool
	createdAt    int64 // unix seconds, for regcache.Summary.CreatedAt

	oom *oomwatch.Watcher
}

// SetOOMWatcher wires the shared OOM watcher Holder.Create populates every
// new Container with; leaving it nil (as every unit test in this package
// does) just means oom_killed never gets set to true.
func (c *Container) SetOOMWatcher(w *oomwatch.Watcher) {
	c.oom = w
}

// CreatedAt returns the unix-seconds creation timestamp, surfaced through
// regcache.Summary.
func (c *Container) CreatedAt() int64 {
	return c.createdAt
}

// SetCreatedAt overrides the creation timestamp, used by Holder.Reconstruct
// to restore the original value from a KvStore record instead of leaving
// the fresh time.Now() stamp New gave it.
func (c *Container) SetCreatedAt(t int64) {
	c.createdAt = t
}

// New builds a Stopped container with a fresh PropertyMap chained to
// parent's (nil for the root). Holder is responsible for inserting it into
// the registry and wiring Parent.
func New(name string, id int, owner cred.Peer, registry *propmap.Registry, parent *Container) *Container {
	var parentProps *propmap.PropertyMap
	if parent != nil {
		parentProps = parent.Props
	}
	c := &Container{
		Name:      name,
		ID:        id,
		Owner:     owner,
		Parent:    parent,
		state:     Stopped,
		Props:     propmap.New(registry, parentProps),
		createdAt: time.Now().Unix(),
	}
	c.Props.SetData("state", propmap.StringValue(Stopped.String()))
	c.Props.SetData("absolute_name", propmap.StringValue(name))
	return c
}

// State returns the container's own recorded state; callers that need Meta
// inference should use Holder.ComputeState instead, since that requires
// looking at children this type doesn't own.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Container) setState(s State) {
	c.state = s
	c.Props.SetData("state", propmap.StringValue(s.String()))
}

// ForceState overrides the recorded state directly, used by Holder's Meta
// inference (spec §4.2 step 6), which needs to flip a childless container
// between Stopped and Meta purely from its descendants' activity — a
// transition Container itself can't drive since it has no child list.
func (c *Container) ForceState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(s)
}

// HasEmptyCommand reports whether this container's own command is empty — the other
// half of Meta inference (at least one active descendant) is Holder's
// concern since Container has no descendant list of its own.
func (c *Container) HasEmptyCommand() bool {
	v, err := c.Props.GetProperty("command")
	if err != nil {
		return true
	}
	return v.Str == ""
}

// Start runs the Start algorithm (spec §4.2): validates preconditions,
// asks Composer to materialise the task, installs supervisor tracking, and
// transitions to Running. With an empty command it transitions straight to
// Meta; Holder.RecomputeMeta later re-derives Meta from child state.
func (c *Container) Start(comp *composer.Composer, sup *supervisor.TaskSupervisor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Stopped {
		return errors.New(errors.InvalidState, "cannot start %s from state %s", c.Name, c.state)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStartDuration)

	plan, err := c.buildPlan()
	if err != nil {
		c.Props.SetData("start_errno", propmap.IntValue(-1))
		return err
	}

	if plan.Command == nil {
		// Empty command: no task to start, this container only hosts
		// children, so it becomes Meta right away.
		c.setState(Meta)
		return nil
	}

	task, err := comp.Start(plan)
	if err != nil {
		c.Props.SetData("start_errno", propmap.IntValue(-1))
		return err
	}

	c.task = task
	c.Props.SetData("root_pid", propmap.IntValue(int64(task.PID)))
	c.Props.SetData("start_errno", propmap.IntValue(0))
	sup.Track(c.Name, int32(task.PID))
	if c.oom != nil {
		c.oom.Watch(c.Name, task)
	}
	c.setState(Running)
	return nil
}

// buildPlan resolves this container's properties into a composer.Plan.
// virt_mode=os containers run their command as pid 1 of a fresh pid
// namespace (spec §4.2's container-init signal convention depends on this).
func (c *Container) buildPlan() (*composer.Plan, error) {
	cmdV, _ := c.Props.GetProperty("command")
	if cmdV.Str == "" {
		return &composer.Plan{Name: c.Name, Command: nil}, nil
	}

	isolateV, _ := c.Props.GetProperty("isolate")
	hostnameV, _ := c.Props.GetProperty("hostname")
	virtModeV, _ := c.Props.GetProperty("virt_mode")
	rootV, _ := c.Props.GetProperty("root")
	bindV, _ := c.Props.GetProperty("bind")
	envV, _ := c.Props.GetProperty("env")
	cwdV, _ := c.Props.GetProperty("cwd")
	ulimitV, _ := c.Props.GetProperty("ulimit")
	userV, _ := c.Props.GetProperty("user")
	groupV, _ := c.Props.GetProperty("group")
	capsV, _ := c.Props.GetProperty("capabilities")
	memLimitV, _ := c.Props.GetProperty("memory_limit")
	memGuaranteeV, _ := c.Props.GetProperty("memory_guarantee")
	cpuLimitV, _ := c.Props.GetProperty("cpu_limit")
	cpuGuaranteeV, _ := c.Props.GetProperty("cpu_guarantee")
	cpuPolicyV, _ := c.Props.GetProperty("cpu_policy")
	devicesV, _ := c.Props.GetProperty("devices")
	ioLimitV, _ := c.Props.GetProperty("io_limit")
	ioOpsLimitV, _ := c.Props.GetProperty("io_ops_limit")
	netGuaranteeV, _ := c.Props.GetProperty("net_guarantee")
	netLimitV, _ := c.Props.GetProperty("net_limit")
	netPriorityV, _ := c.Props.GetProperty("net_priority")
	stdinV, _ := c.Props.GetProperty("stdin_path")
	stdoutV, _ := c.Props.GetProperty("stdout_path")
	stderrV, _ := c.Props.GetProperty("stderr_path")

	binds := make([]nsmgr.BindMount, 0, len(bindV.List))
	for _, entry := range bindV.List {
		b, err := nsmgr.ParseBind(entry)
		if err != nil {
			return nil, err
		}
		binds = append(binds, b)
	}

	uid, gid, groups, err := resolveCredentials(userV.Str, groupV.Str)
	if err != nil {
		return nil, err
	}

	env := append(injectedEnv(c.Name, userV.Str, hostnameV.Str, virtModeV.Str), envV.List...)

	return &composer.Plan{
		Name:             c.Name,
		Command:          []string{"/bin/sh", "-c", cmdV.Str},
		Env:              env,
		Cwd:              cwdV.Str,
		Root:             rootV.Str,
		Binds:            binds,
		Isolate:          isolateV.Bool,
		WantNet:          isolateV.Bool,
		Hostname:         hostnameV.Str,
		UID:              uid,
		GID:              gid,
		Groups:           groups,
		Caps:             capsV.List,
		Ulimits:          ulimitV.Map,
		MemoryLimit:      memLimitV.Uint,
		MemoryGuarantee:  memGuaranteeV.Uint,
		CPULimitUsec:     cpuLimitV.Uint,
		CPUGuaranteeUsec: cpuGuaranteeV.Uint,
		CPUPolicy:        cpuPolicyV.Str,
		Devices:          devicesV.List,
		IOLimit:          ioLimitV.Uint,
		IOOpsLimit:       ioOpsLimitV.Uint,
		NetGuarantee:     netGuaranteeV.Map,
		NetLimit:         netLimitV.Map,
		NetPriority:      uint32(netPriorityV.Uint),
		StdinPath:        stdinV.Str,
		StdoutPath:       stdoutV.Str,
		StderrPath:       stderrV.Str,
	}, nil
}

// resolveCredentials turns the user/group properties into the uid/gid/
// supplementary-groups triple Composer's init process drops privileges to.
// An empty groupName keeps the user's own primary group.
func resolveCredentials(userName, groupName string) (uid, gid uint32, groups []uint32, err error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, nil, errors.Wrap(errors.InvalidValue, err, "look up user %q", userName)
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, nil, errors.Wrap(errors.Unknown, err, "parse uid for user %q", userName)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, nil, errors.Wrap(errors.Unknown, err, "parse gid for user %q", userName)
	}
	gid = uint32(gid64)

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, nil, errors.Wrap(errors.InvalidValue, err, "look up group %q", groupName)
		}
		g64, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return 0, 0, nil, errors.Wrap(errors.Unknown, err, "parse gid for group %q", groupName)
		}
		gid = uint32(g64)
	}

	gidStrs, err := u.GroupIds()
	if err != nil {
		return 0, 0, nil, errors.Wrap(errors.Unknown, err, "list supplementary groups for user %q", userName)
	}
	groups = make([]uint32, 0, len(gidStrs))
	for _, s := range gidStrs {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(n))
	}

	return uint32(uid64), gid, groups, nil
}

// injectedEnv builds the environment variables always set for a container's
// task regardless of its own env property (spec §6.5 "Always injected"),
// merged ahead of the user-supplied list so an explicit env entry can still
// override one of these.
func injectedEnv(name, userName, hostname, virtMode string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		fmt.Sprintf("HOME=/place/porto/%s", name),
		fmt.Sprintf("USER=%s", userName),
		"container=lxc",
		fmt.Sprintf("PORTO_NAME=%s", name),
		fmt.Sprintf("PORTO_USER=%s", userName),
	}
	if host, err := os.Hostname(); err == nil {
		env = append(env, fmt.Sprintf("PORTO_HOST=%s", host))
	}
	if hostname != "" {
		env = append(env, fmt.Sprintf("HOSTNAME=%s", hostname))
	}
	if virtMode == "os" {
		env = append(env, "TERM=xterm")
	}
	return env
}

// Stop runs the Stop algorithm's own-task portion (spec §4.2 step 2-4);
// cascading to children is Holder's responsibility since Container doesn't
// hold a child list. timeout is stop_timeout; after it elapses the task is
// SIGKILLed.
func (c *Container) Stop(sup *supervisor.TaskSupervisor, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Running, Dead, Meta, Paused:
	default:
		return errors.New(errors.InvalidState, "cannot stop %s from state %s", c.Name, c.state)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	if c.task != nil {
		if err := stopTask(c.task, timeout); err != nil {
			log.WithContainer(c.Name).Warn().Err(err).Msg("container: stop task did not exit cleanly")
		}
		if err := c.task.Teardown(); err != nil {
			log.WithContainer(c.Name).Warn().Err(err).Msg("container: cgroup teardown failed")
		}
		sup.Untrack(c.Name)
		if c.oom != nil {
			c.oom.Stop(c.Name)
		}
		c.task = nil
	}

	c.setState(Stopped)
	c.Props.SetData("root_pid", propmap.IntValue(0))
	return nil
}

// Pause freezes the container's cgroup (spec §4.2: cascades to descendants
// via Holder, which calls Pause on each).
func (c *Container) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running && c.state != Meta {
		return errors.New(errors.InvalidState, "cannot pause %s from state %s", c.Name, c.state)
	}
	if c.task != nil {
		if err := c.task.Freeze(); err != nil {
			return err
		}
	}
	c.setState(Paused)
	return nil
}

// Resume thaws the container's cgroup back to Running (or Meta, decided by
// Holder post-resume the same way Start decides it).
func (c *Container) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return errors.New(errors.InvalidState, "cannot resume %s from state %s", c.Name, c.state)
	}
	if c.task != nil {
		if err := c.task.Thaw(); err != nil {
			return err
		}
	}
	if c.task == nil {
		c.setState(Meta)
	} else {
		c.setState(Running)
	}
	return nil
}

// Kill sends signal to the container's task, applying the container-init
// signal convention for isolated os-mode containers (spec §4.2: "signals
// without an explicit handler in pid 1 are ignored, except SIGKILL" — that
// kernel behavior is automatic once the task is actually pid 1 of its own
// pid namespace, so Kill itself just delivers the signal).
func (c *Container) Kill(signal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return errors.New(errors.InvalidState, "cannot kill %s from state %s", c.Name, c.state)
	}
	if c.task == nil {
		return errors.New(errors.InvalidState, "%s has no running task", c.Name)
	}
	return killPID(c.task.PID, signal)
}

// HandleExit applies an exit event matched to this container's task (spec
// §4.2 "Exit delivery"): records exit_status/oom_killed and transitions to
// Dead, or applies respawn if configured. Returns true if a respawn was
// scheduled (the caller, Holder's reconciler, is responsible for actually
// calling Start again after respawn_delay_ms).
func (c *Container) HandleExit(ev reaper.ExitEvent) (respawn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.task = nil
	if c.oom != nil {
		if c.oom.Consume(c.Name) {
			ev.OOM = true
		}
		c.oom.Stop(c.Name)
	}
	c.Props.SetData("exit_status", propmap.IntValue(int64(ev.Status)))
	c.Props.SetData("oom_killed", propmap.BoolValue(ev.OOM))
	if ev.OOM {
		metrics.OOMKillsTotal.Inc()
	}
	c.setState(Dead)

	respawnV, _ := c.Props.GetProperty("respawn")
	if !respawnV.Bool {
		return false
	}
	maxV, _ := c.Props.GetProperty("max_respawns")
	if maxV.Int >= 0 && int64(c.RespawnCount) >= maxV.Int {
		return false
	}
	c.RespawnCount++
	c.Props.SetData("respawn_count", propmap.UintValue(c.RespawnCount))
	metrics.RespawnsTotal.WithLabelValues(c.Name).Inc()
	return true
}

// AttachRecovered re-adopts a task found still alive in its freezer cgroup
// at slave startup (spec §4.6 step 3): the container was Running or Paused
// when the previous daemon process crashed, so no Start algorithm runs
// here, just the bookkeeping Start would otherwise have done.
func (c *Container) AttachRecovered(task *composer.Task, sup *supervisor.TaskSupervisor, paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.task = task
	c.LostRestored = true
	c.Props.SetData("root_pid", propmap.IntValue(int64(task.PID)))
	sup.Track(c.Name, int32(task.PID))
	if c.oom != nil {
		c.oom.Watch(c.Name, task)
	}
	if paused {
		c.setState(Paused)
	} else {
		c.setState(Running)
	}
}

// RespawnDelay returns the configured respawn_delay_ms as a Duration.
func (c *Container) RespawnDelay() time.Duration {
	v, _ := c.Props.GetProperty("respawn_delay_ms")
	return time.Duration(v.Uint) * time.Millisecond
}
