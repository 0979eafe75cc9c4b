package cgroup

import specs "github.com/opencontainers/runtime-spec/specs-go"

// Controller is the subset of Manager's behavior Composer depends on,
// extracted so tests can exercise the Composer placement sequence without a
// real cgroupfs (spec §8: mock the kernel-facing edges behind interfaces).
type Controller interface {
	AddPID(pid int) error
	Update(resources *specs.LinuxResources) error
	Freeze() error
	Thaw() error
	Frozen() bool
	Processes() ([]int, error)
	Delete() error

	// OOMEventFD returns a fd that becomes readable once per OOM kill in
	// this cgroup's memory subsystem (memory.oom_control's notify-on-OOM
	// mechanism, spec §4.2's oom_killed datum).
	OOMEventFD() (uintptr, error)
}

var _ Controller = (*Manager)(nil)
