// Package oomwatch attributes a container exit to the kernel OOM killer
// (spec §4.2's oom_killed datum) by watching each running task's memory
// cgroup notify-on-OOM eventfd directly, rather than by polling an OOM
// kill counter: runc's libcontainer instead samples manager.OOMKillCount()
// before and after a wait and diffs the two, but portod's Reaper is a
// separate process with no cgroup visibility at all, so there is no "before
// a wait" moment to sample from — the watch has to run continuously,
// independently of the exit notification, and be consulted only once the
// exit event eventually arrives over the Reaper's pipe.
package oomwatch

import (
	"os"
	"sync"

	"github.com/cuemby/portod/pkg/log"
)

// Source is the subset of composer.Task's surface a Watcher needs; it
// never imports pkg/composer to avoid a dependency cycle (Composer does
// not need to know oomwatch exists).
type Source interface {
	OOMEventFD() (uintptr, error)
}

// Watcher tracks which of the currently running containers have been
// OOM-killed since their task started, keyed by container name. Zero value
// is not usable; build one with New.
type Watcher struct {
	mu     sync.Mutex
	killed map[string]bool
	files  map[string]*os.File
}

// New builds an empty Watcher.
func New() *Watcher {
	return &Watcher{
		killed: make(map[string]bool),
		files:  make(map[string]*os.File),
	}
}

// Watch starts monitoring src's memory cgroup for an OOM kill under name.
// A prior watch for the same name (a respawn re-using the container) is
// stopped first. If src has no usable eventfd (e.g. the memory controller
// isn't mounted), the container simply never reports an OOM kill rather
// than failing the start that asked for it.
func (w *Watcher) Watch(name string, src Source) {
	w.Stop(name)

	fd, err := src.OOMEventFD()
	if err != nil {
		log.WithContainer(name).Warn().Err(err).Msg("oomwatch: no OOM eventfd, kills for this container will go unrecorded")
		return
	}
	f := os.NewFile(fd, "oom-eventfd:"+name)

	w.mu.Lock()
	w.files[name] = f
	delete(w.killed, name)
	w.mu.Unlock()

	go w.run(name, f)
}

// run blocks reading 8-byte eventfd counters until Stop closes f out from
// under it, which is the signal to return (Stop is the only other writer
// of w.files[name], and it always closes the fd it removes).
func (w *Watcher) run(name string, f *os.File) {
	buf := make([]byte, 8)
	for {
		if _, err := f.Read(buf); err != nil {
			return
		}
		w.mu.Lock()
		w.killed[name] = true
		w.mu.Unlock()
		log.WithContainer(name).Warn().Msg("oomwatch: OOM kill detected")
	}
}

// Stop ends monitoring name, called once its task is known to have exited
// or is being torn down by Stop/Destroy.
func (w *Watcher) Stop(name string) {
	w.mu.Lock()
	f, ok := w.files[name]
	delete(w.files, name)
	w.mu.Unlock()
	if ok {
		f.Close()
	}
}

// Consume reports whether name was OOM-killed since Watch began (or since
// the last Consume), clearing the flag either way. Called once, from
// Container.HandleExit, to amend the exit event the Reaper has no way to
// annotate itself.
func (w *Watcher) Consume(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.killed[name]
	delete(w.killed, name)
	return v
}
