// Package supervisor implements the Slave side of the two-process split
// (spec §4.4): it reads exit events off the event fd, maps each pid back to
// the container that owns it, and invokes a callback to update that
// container's state before writing the pid back to the ack fd. Track/Untrack
// bookkeeping follows the map+mutex struct shape the daemon uses throughout
// for small in-memory registries.
package supervisor

import (
	"io"
	"sync"

	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/reaper"
)

// ExitHandler is invoked once per delivered exit event, after the pid has
// been resolved to a container name and before the ack is sent; the ack
// tells the Reaper it can forget this exit. The daemon's handler,
// Reconciler.OnExit, records the exit in memory only: nothing about the
// exit is written to KvStore before the ack.
type ExitHandler func(name string, ev reaper.ExitEvent)

// TaskSupervisor tracks which pid belongs to which running container and
// drives the event-fd read loop.
type TaskSupervisor struct {
	mu     sync.RWMutex
	byPID  map[int32]string
	byName map[string]int32

	eventR  io.Reader
	ackW    io.Writer
	onExit  ExitHandler
}

// New builds a TaskSupervisor reading events from eventR and acking to ackW
// (the Slave's inherited fds 3 and 4 in production, a pipe in tests).
func New(eventR io.Reader, ackW io.Writer, onExit ExitHandler) *TaskSupervisor {
	return &TaskSupervisor{
		byPID:  make(map[int32]string),
		byName: make(map[string]int32),
		eventR: eventR,
		ackW:   ackW,
		onExit: onExit,
	}
}

// Track records that pid belongs to container name, called right after
// Composer.Start returns a running Task.
func (s *TaskSupervisor) Track(name string, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPID[pid] = name
	s.byName[name] = pid
}

// Untrack removes name's mapping, called once its exit has been delivered
// or on a clean Stop.
func (s *TaskSupervisor) Untrack(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid, ok := s.byName[name]; ok {
		delete(s.byPID, pid)
		delete(s.byName, name)
	}
}

// PID returns the tracked pid for name, if running.
func (s *TaskSupervisor) PID(name string) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.byName[name]
	return pid, ok
}

// NameForPID resolves a pid back to its container name.
func (s *TaskSupervisor) NameForPID(pid int32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byPID[pid]
	return name, ok
}

// Run reads exit events until eventR returns an error (the Reaper closing
// its end, or an unrecoverable read error), dispatching each to onExit and
// then acking it (spec §4.4 slave loop step 1). Unknown pids (already
// untracked, e.g. a container Stop that already reaped its task) are
// acked without invoking onExit so the Reaper's unacked set still shrinks.
func (s *TaskSupervisor) Run() error {
	for {
		ev, err := reaper.ReadExitEvent(s.eventR)
		if err != nil {
			return err
		}

		name, ok := s.NameForPID(ev.PID)
		if ok {
			s.onExit(name, ev)
			s.Untrack(name)
		} else {
			log.Logger.Warn().Int32("pid", ev.PID).Msg("supervisor: exit event for untracked pid")
		}

		if err := reaper.WriteAck(s.ackW, ev.PID); err != nil {
			return err
		}
	}
}
