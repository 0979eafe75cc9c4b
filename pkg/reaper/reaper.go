// Package reaper implements the outer process of the two-process split
// (spec §4.4): a long-lived pid-1 subreaper of all container tasks, which
// forwards (pid, status) exits to the Slave over an event fd and respawns
// the Slave on crash, replaying any exits the Slave never acknowledged.
// The waitpid/SIGCHLD loop is grounded on the reap-on-SIGCHLD pattern common
// to Go process supervisors; the event/ack pipe protocol and crash-replay
// buffer are this daemon's own addition on top of it.
package reaper

import (
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"golang.org/x/sys/unix"
)

// EventFD and AckFD are the fixed descriptor numbers the Slave inherits
// across its re-exec (spec §4.4: "two pipes inherited by the inner process
// at fixed descriptors").
const (
	EventFD = 3
	AckFD   = 4
)

// Reaper is the outer subreaper process. It owns the write end of the event
// pipe and the read end of the ack pipe; the Slave gets the other ends as
// inherited fds 3 and 4.
type Reaper struct {
	slaveArgv []string
	slavePid  int
	eventW    *os.File
	ackR      *os.File

	mu          sync.Mutex
	pidToStatus map[int32]ExitEvent // unacked exits, replayed to a respawned slave
}

// New builds a Reaper that will exec slaveArgv[0] with slaveArgv[1:] as
// arguments whenever the Slave needs (re)starting.
func New(slaveArgv []string) *Reaper {
	return &Reaper{slaveArgv: slaveArgv, pidToStatus: make(map[int32]ExitEvent)}
}

// Run installs PR_SET_CHILD_SUBREAPER, starts the Slave, and runs the
// reaper loop until stop is closed. It never returns nil on its own; only a
// signal on stop ends it cleanly.
func (r *Reaper) Run(stop <-chan struct{}) error {
	if err := setChildSubreaper(); err != nil {
		return errors.Wrap(errors.Unknown, err, "PR_SET_CHILD_SUBREAPER")
	}

	if err := r.spawnSlave(); err != nil {
		return err
	}

	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, unix.SIGCHLD)
	defer signal.Stop(sigChld)

	ackDone := make(chan struct{})
	go r.readAcks(ackDone)

	for {
		select {
		case <-sigChld:
			r.reapOnce()
		case <-ackDone:
			// ack reader hit EOF: the slave's ack fd write end closed,
			// meaning the slave process is gone or misbehaving; the next
			// SIGCHLD for slavePid will trigger a respawn.
			ackDone = nil
		case <-stop:
			return nil
		}
	}
}

func setChildSubreaper() error {
	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err == unix.EINVAL {
		log.Logger.Warn().Msg("reaper: PR_SET_CHILD_SUBREAPER unavailable (kernel < 3.4)")
		return nil
	}
	return err
}

// reapOnce drains every exited child via waitpid(-1, WNOHANG) (spec §4.4
// reaper loop step 1), buffering container-task exits for the event fd and
// respawning the slave if it was the one that exited.
func (r *Reaper) reapOnce() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		if int(pid) == r.slavePid {
			metrics.SlaveRestartsTotal.Inc()
			log.Logger.Error().Int("pid", int(pid)).Msg("reaper: slave exited, respawning")
			if err := r.spawnSlave(); err != nil {
				log.Logger.Error().Err(err).Msg("reaper: failed to respawn slave")
			}
			continue
		}

		ev := ExitEvent{PID: int32(pid), Status: int32(status), OOM: false}
		r.mu.Lock()
		r.pidToStatus[ev.PID] = ev
		unacked := len(r.pidToStatus)
		r.mu.Unlock()
		metrics.ReaperExitsTotal.Inc()
		metrics.ReaperUnackedExits.Set(float64(unacked))

		if err := WriteExitEvent(r.eventW, ev); err != nil {
			log.Logger.Error().Err(err).Int32("pid", ev.PID).Msg("reaper: failed writing exit event")
		}
	}
}

// readAcks reads pids off the ack fd and drops them from pidToStatus until
// the fd closes, signaling done.
func (r *Reaper) readAcks(done chan<- struct{}) {
	defer close(done)
	for {
		pid, err := ReadAck(r.ackR)
		if err != nil {
			return
		}
		r.mu.Lock()
		delete(r.pidToStatus, pid)
		r.mu.Unlock()
		metrics.ReaperUnackedExits.Set(float64(len(r.pidToStatus)))
	}
}

// spawnSlave (re)execs the slave binary, replaying every unacked exit from
// a prior slave incarnation (spec §4.4 reaper loop step 3).
func (r *Reaper) spawnSlave() error {
	eventR, eventW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "create event pipe")
	}
	ackR, ackW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "create ack pipe")
	}

	cmd := exec.Command(r.slaveArgv[0], r.slaveArgv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] becomes fd 3 (EventFD), ExtraFiles[1] becomes fd 4 (AckFD).
	cmd.ExtraFiles = []*os.File{eventR, ackW}

	if err := cmd.Start(); err != nil {
		eventR.Close()
		eventW.Close()
		ackR.Close()
		ackW.Close()
		return errors.Wrap(errors.Unknown, err, "start slave process")
	}

	eventR.Close()
	ackW.Close()
	if r.eventW != nil {
		r.eventW.Close()
	}
	if r.ackR != nil {
		r.ackR.Close()
	}
	r.eventW = eventW
	r.ackR = ackR
	r.slavePid = cmd.Process.Pid

	r.mu.Lock()
	replay := make([]ExitEvent, 0, len(r.pidToStatus))
	for _, ev := range r.pidToStatus {
		replay = append(replay, ev)
	}
	r.mu.Unlock()
	for _, ev := range replay {
		if err := WriteExitEvent(r.eventW, ev); err != nil {
			log.Logger.Error().Err(err).Msg("reaper: failed replaying exit event to new slave")
		}
	}

	return nil
}
