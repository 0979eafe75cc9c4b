package container

import (
	"time"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/errors"
	"golang.org/x/sys/unix"
)

// killPID delivers signal to pid directly via the kernel, used by Kill and
// by stopTask's SIGTERM/SIGKILL sequence.
func killPID(pid int, signal int) error {
	if err := unix.Kill(pid, unix.Signal(signal)); err != nil {
		return errors.Wrap(errors.Unknown, err, "kill pid %d with signal %d", pid, signal)
	}
	return nil
}

// stopTask implements the Stop sequence's process half (spec §4.2 step 3):
// SIGTERM the task, give it stop_timeout to exit on its own, then freeze its
// cgroup and SIGKILL every pid still inside before thawing so none of them
// can dodge the kill by forking out of the freeze (a frozen process cannot
// run its own exit handlers, so the freeze must come before the kill).
func stopTask(t *composer.Task, timeout time.Duration) error {
	// An error here usually just means the task already exited; Stop
	// proceeds to reap any survivors below regardless.
	_ = killPID(t.PID, int(unix.SIGTERM))

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		procs, err := t.Processes()
		if err != nil || len(procs) == 0 {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := t.Freeze(); err != nil {
		return err
	}
	procs, err := t.Processes()
	if err == nil {
		for _, pid := range procs {
			killPID(pid, int(unix.SIGKILL))
		}
	}
	return t.Thaw()
}
