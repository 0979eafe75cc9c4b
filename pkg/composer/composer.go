// Package composer implements the Composer (spec §4.3): it turns a
// resolved property set into cgroups, a network class, rlimits, namespaces,
// mounts, credentials, stdio, and an exec'd task. Go cannot fork() mid-process
// the way the original C++ implementation does, so isolation setup that must
// run "inside the fork before exec" instead runs in a re-executed init
// process (cmd/portod invoked with argv[1]="__nsinit"), the same pattern
// runc/containerd use for namespace entry: the parent sets Cloneflags on
// exec.Cmd, the child (this binary, in __nsinit mode) does the mount/
// pivot_root/rlimit/credential work and then execve's the real command.
package composer

import (
	"encoding/json"
	"os"
	"os/exec"

	"github.com/cuemby/portod/pkg/cgroup"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/netcls"
	"github.com/cuemby/portod/pkg/nsmgr"
	"github.com/cuemby/portod/pkg/rlimit"
)

// ReexecMarker is the argv[1] cmd/portod checks for to enter init mode
// instead of starting the daemon (cmd/portod uses the same re-exec trick for
// the Reaper/Slave split, via "__slave").
const ReexecMarker = "__nsinit"

// InitSpec is the full plan handed to the re-executed init process over fd 3
// as JSON. It is Composer's only contract with the child; everything it
// needs to finish setup and exec lives here.
type InitSpec struct {
	Command     []string
	Env         []string
	Cwd         string
	NSPlan      *nsmgr.Plan
	Limits      []rlimit.Limit
	UID, GID    uint32
	Groups      []uint32
	Caps        []string
	StdinPath   string
	StdoutPath  string
	StderrPath  string
}

// Plan is what Container/Holder resolve from a PropertyMap before asking
// Composer to start a task.
type Plan struct {
	Name             string
	Command          []string
	Env              []string
	Cwd              string
	Root             string
	Binds            []nsmgr.BindMount
	Isolate          bool
	WantNet          bool
	Hostname         string
	UID, GID         uint32
	Groups           []uint32
	Caps             []string
	Ulimits          map[string]uint64
	MemoryLimit      uint64
	MemoryGuarantee  uint64
	CPULimitUsec     uint64
	CPUGuaranteeUsec uint64
	CPUPolicy        string
	Devices          []string
	IOLimit          uint64
	IOOpsLimit       uint64
	NetGuarantee     map[string]uint64
	NetLimit         map[string]uint64
	NetPriority      uint32
	StdinPath        string
	StdoutPath       string
	StderrPath       string
}

// Task is a running composed container process.
type Task struct {
	PID     int
	Name    string
	cmd     *exec.Cmd
	cgroup  cgroup.Controller
	netcls  *netcls.Manager
}

// Composer orchestrates CgroupMgr/NetClassMgr/RlimitMgr/NamespaceMgr into a
// started task. selfExe is the path to re-exec (os.Executable()'s result),
// threaded in rather than read globally so tests can substitute a fake.
type Composer struct {
	selfExe string
	netcls  *netcls.Manager
}

// New builds a Composer that re-execs selfExe in __nsinit mode for every
// Start call.
func New(selfExe string, netclsMgr *netcls.Manager) *Composer {
	return &Composer{selfExe: selfExe, netcls: netclsMgr}
}

// Start runs every Composer step (spec §4.3 steps 1-8) and returns the
// running Task, or an error from whichever step failed. A failure after the
// cgroup is created deletes the cgroup before returning; the net_cls class
// id assigned to p.Name at the start is not released on any failure.
func (c *Composer) Start(p *Plan) (*Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ComposerStepDuration, "total")

	// Validate everything that doesn't touch the kernel before creating the
	// cgroup, so a bad ulimit name never leaves an empty cgroup behind.
	limits, err := rlimit.FromMap(p.Ulimits)
	if err != nil {
		return nil, err
	}

	var classID uint32
	if c.netcls != nil {
		classID = uint32(c.netcls.Assign(p.Name))
	}

	resources, err := cgroup.ResourcesFromLimits(p.MemoryLimit, p.MemoryGuarantee, p.CPULimitUsec, p.CPUGuaranteeUsec, p.CPUPolicy, p.Devices, classID)
	if err != nil {
		return nil, err
	}
	cg, err := cgroup.Create(p.Name, resources)
	if err != nil {
		return nil, err
	}
	if p.IOLimit > 0 || p.IOOpsLimit > 0 {
		if err := cg.SetIOLimits(p.IOLimit, p.IOOpsLimit); err != nil {
			log.WithContainer(p.Name).Warn().Err(err).Msg("composer: failed writing io_limit/io_ops_limit knobs")
		}
	}

	nsPlan := nsmgr.BuildPlan(p.Isolate, p.WantNet, p.Hostname, p.Root, p.Binds)

	spec := InitSpec{
		Command:    p.Command,
		Env:        p.Env,
		Cwd:        p.Cwd,
		NSPlan:     nsPlan,
		Limits:     limits,
		UID:        p.UID,
		GID:        p.GID,
		Groups:     p.Groups,
		Caps:       p.Caps,
		StdinPath:  p.StdinPath,
		StdoutPath: p.StdoutPath,
		StderrPath: p.StderrPath,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		cg.Delete()
		return nil, errors.Wrap(errors.Unknown, err, "marshal init spec for %s", p.Name)
	}

	r, w, err := os.Pipe()
	if err != nil {
		cg.Delete()
		return nil, errors.Wrap(errors.Unknown, err, "create init spec pipe for %s", p.Name)
	}

	cmd := exec.Command(c.selfExe, ReexecMarker)
	cmd.ExtraFiles = []*os.File{r}
	cmd.SysProcAttr = unshareSysProcAttr(nsPlan.UnshareFlags())

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		cg.Delete()
		return nil, errors.Wrap(errors.Unknown, err, "start init process for %s", p.Name)
	}
	r.Close()
	if _, err := w.Write(specJSON); err != nil {
		log.WithContainer(p.Name).Warn().Err(err).Msg("composer: failed writing init spec")
	}
	w.Close()

	if err := cg.AddPID(cmd.Process.Pid); err != nil {
		cmd.Process.Kill()
		cg.Delete()
		return nil, err
	}

	if c.netcls != nil && (len(p.NetGuarantee) > 0 || len(p.NetLimit) > 0) {
		if err := c.netcls.ProgramAll(p.Name, p.NetGuarantee, p.NetLimit, p.NetPriority); err != nil {
			log.WithContainer(p.Name).Warn().Err(err).Msg("composer: failed programming net class")
		}
	}

	return &Task{PID: cmd.Process.Pid, Name: p.Name, cmd: cmd, cgroup: cg, netcls: c.netcls}, nil
}

// AttachTask reconstructs a Task for a container whose init process
// survived a daemon restart (§4.6 step 3): there is no exec.Cmd to hold
// since this process never started it, so Wait is not valid on the result;
// the Reaper/Supervisor pipeline is the only source of its eventual exit.
func AttachTask(name string, pid int, cg cgroup.Controller) *Task {
	return &Task{PID: pid, Name: name, cgroup: cg}
}

// Wait blocks until the task's init process exits, returning its exit code.
// The real container command's exit is observed independently by the
// Reaper/Supervisor (spec §4.4); Wait here only reaps the init process
// itself if it never got to exec (e.g. a setup failure).
func (t *Task) Wait() (int, error) {
	err := t.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Wrap(errors.Unknown, err, "wait for init process of %s", t.Name)
}

// Teardown releases the cgroup after the task has exited and the subtree is
// confirmed empty. Network class removal is per-link and handled by the
// caller via the netcls.Manager directly, since it needs the live
// netlink.Link the cgroup teardown doesn't.
func (t *Task) Teardown() error {
	return t.cgroup.Delete()
}

// Freeze and Thaw drive Pause/Resume by delegating to the task's cgroup
// freezer controller.
func (t *Task) Freeze() error { return t.cgroup.Freeze() }
func (t *Task) Thaw() error   { return t.cgroup.Thaw() }

// Processes lists the pids still alive in the task's cgroup, used by Stop
// to find survivors after the SIGTERM/SIGKILL sequence and by recovery to
// re-adopt a running task.
func (t *Task) Processes() ([]int, error) { return t.cgroup.Processes() }

// OOMEventFD exposes the task's memory cgroup OOM notification, consumed by
// pkg/oomwatch; it has nothing to do with exec'ing the task and lives here
// only because Task is the one place that holds the cgroup.Controller.
func (t *Task) OOMEventFD() (uintptr, error) { return t.cgroup.OOMEventFD() }

// initSpecFD is the descriptor number the InitSpec arrives on in the
// re-executed child (cmd.ExtraFiles[0] becomes fd 3), matching the
// Reaper/Slave event/ack fd convention of a fixed descriptor number rather
// than a name (spec §4.4).
const initSpecFD = 3
