// Package cgroup implements CgroupMgr, the first Composer step (spec
// §4.3 step 1): placing a container's task into a dedicated cgroup under
// /porto/<name> and writing its resource knobs. It wraps
// github.com/containerd/cgroups/v3's cgroup1 manager rather than shelling
// out to cgroupfs directly.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/cuemby/portod/pkg/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// portoRoot is the cgroup subtree spec §5 reserves for this daemon; paths
// outside it are never touched (shared-resource policy, spec §5).
const portoRoot = "/porto"

// Manager places and controls one container's cgroup.
type Manager struct {
	name string
	cg   cgroup1.Cgroup
}

// path returns the cgroup1.Path for a container name, namespaced under
// /porto so the shared-resource policy in spec §5 holds.
func path(name string) cgroup1.Path {
	return cgroup1.StaticPath(fmt.Sprintf("%s/%s", portoRoot, name))
}

// Create makes a new cgroup for name with the given initial resources (may
// be nil for "no limits yet").
func Create(name string, resources *specs.LinuxResources) (*Manager, error) {
	cg, err := cgroup1.New(path(name), resources)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "create cgroup for %s", name)
	}
	return &Manager{name: name, cg: cg}, nil
}

// Load attaches to an already-created cgroup, used by recovery (§4.6) to
// re-adopt a container whose daemon process crashed and restarted.
func Load(name string) (*Manager, error) {
	cg, err := cgroup1.Load(path(name))
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "load cgroup for %s", name)
	}
	return &Manager{name: name, cg: cg}, nil
}

// AddPID moves pid into the cgroup. Called once, right after fork, before
// the child execs (spec §4.3: cgroup placement precedes namespace setup).
func (m *Manager) AddPID(pid int) error {
	if err := m.cg.Add(cgroup1.Process{Pid: pid}); err != nil {
		return errors.Wrap(errors.Unknown, err, "add pid %d to cgroup %s", pid, m.name)
	}
	return nil
}

// Update rewrites the cgroup's resource limits (memory_limit, cpu_limit,
// io_limit, ... §4.8 properties translated to LinuxResources).
func (m *Manager) Update(resources *specs.LinuxResources) error {
	if err := m.cg.Update(resources); err != nil {
		return errors.Wrap(errors.Unknown, err, "update cgroup for %s", m.name)
	}
	return nil
}

// Freeze and Thaw drive the freezer controller for Pause/Resume (spec
// §4.2); Pause cascades by freezing the whole subtree's cgroups.
func (m *Manager) Freeze() error {
	if err := m.cg.Freeze(); err != nil {
		return errors.Wrap(errors.Unknown, err, "freeze cgroup for %s", m.name)
	}
	return nil
}

func (m *Manager) Thaw() error {
	if err := m.cg.Thaw(); err != nil {
		return errors.Wrap(errors.Unknown, err, "thaw cgroup for %s", m.name)
	}
	return nil
}

// Frozen reports whether the freezer subsystem currently reports this
// cgroup as FROZEN, used by recovery to distinguish a re-attached Paused
// container from a Running one (§4.6 step 3).
func (m *Manager) Frozen() bool {
	return m.cg.State() == cgroup1.Frozen
}

// Processes returns the live pids currently in the freezer subsystem's
// cgroup, used by recovery to re-attach to a running task (§4.6 step 3).
func (m *Manager) Processes() ([]int, error) {
	procs, err := m.cg.Processes(cgroup1.Freezer, false)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "list processes in cgroup for %s", m.name)
	}
	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.Pid
	}
	return pids, nil
}

// OOMEventFD registers for the memory controller's notify-on-OOM
// mechanism, used by pkg/oomwatch to attribute an otherwise plain exit to
// the OOM killer without the Reaper (which has no cgroup visibility at
// all, by design) ever needing to know.
func (m *Manager) OOMEventFD() (uintptr, error) {
	fd, err := m.cg.OOMEventFD()
	if err != nil {
		return 0, errors.Wrap(errors.Unknown, err, "register OOM eventfd for %s", m.name)
	}
	return fd, nil
}

// Delete removes the cgroup. Only valid once the subtree is empty
// (container is Stopped or Dead).
func (m *Manager) Delete() error {
	if err := m.cg.Delete(); err != nil {
		return errors.Wrap(errors.Unknown, err, "delete cgroup for %s", m.name)
	}
	return nil
}

// cgroupMemoryRoot is the conventional cgroupfs v1 mountpoint for the
// memory controller. io_limit/io_ops_limit (spec §4.3 step 1) map to the
// Yandex-patched memory.fs_bps_limit/memory.fs_iops_limit knobs, which
// aren't part of the OCI LinuxResources vocabulary cgroup1.Update
// understands, so they're written directly.
const cgroupMemoryRoot = "/sys/fs/cgroup/memory"

// SetIOLimits writes the memory.fs_bps_limit/memory.fs_iops_limit knobs. A
// zero argument leaves the corresponding knob untouched.
func (m *Manager) SetIOLimits(bps, iops uint64) error {
	if bps > 0 {
		if err := m.writeMemoryKnob("memory.fs_bps_limit", bps); err != nil {
			return err
		}
	}
	if iops > 0 {
		if err := m.writeMemoryKnob("memory.fs_iops_limit", iops); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeMemoryKnob(name string, value uint64) error {
	p := filepath.Join(cgroupMemoryRoot, m.cg.Path(cgroup1.Memory), name)
	if err := os.WriteFile(p, []byte(strconv.FormatUint(value, 10)), 0644); err != nil {
		return errors.Wrap(errors.Unknown, err, "write %s for %s", name, m.name)
	}
	return nil
}
