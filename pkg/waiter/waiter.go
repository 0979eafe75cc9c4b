// Package waiter implements the WaiterSet (spec §4.7): a client's Wait
// registers weak references to the containers it cares about; the first of
// them to go Dead (or be destroyed) fires the waiter once, after which it is
// dropped from every container it was registered against.
package waiter

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/portod/pkg/container"
)

// Lister is the subset of Holder's read surface Register needs to resolve
// wildcard and namespace-prefixed names at registration time.
type Lister interface {
	List(prefix string) []string
	Find(name string) (*container.Container, bool)
}

// Waiter is one registered Wait call. Its result channel receives the name
// of the container that triggered it and is then closed, exactly once; a
// timeout sends nothing on it.
type Waiter struct {
	id       uint64
	Names    []string
	deadline time.Time // zero value means "wait indefinitely"
	result   chan string
	fireOnce sync.Once
}

// Wait blocks until the waiter fires or its deadline passes, returning the
// name that fired it (empty on timeout) and whether it fired at all.
func (w *Waiter) Wait() (string, bool) {
	if w.deadline.IsZero() {
		name := <-w.result
		return name, name != ""
	}
	select {
	case name := <-w.result:
		return name, name != ""
	default:
	}
	select {
	case name := <-w.result:
		return name, name != ""
	case <-time.After(time.Until(w.deadline)):
		return "", false
	}
}

func (w *Waiter) fire(name string) {
	w.fireOnce.Do(func() {
		w.result <- name
		close(w.result)
	})
}

// Set is the process-wide collection of outstanding waiters, indexed by
// the absolute container name each is watching.
type Set struct {
	mu          sync.Mutex
	byContainer map[string][]*Waiter
	nextID      uint64
}

// New builds an empty Set.
func New() *Set {
	return &Set{byContainer: make(map[string][]*Waiter)}
}

// Register resolves names against lister (expanding a bare "*" to every
// container visible under namespace, and prefixing bare names with
// namespace per spec §4.7's name-namespacing rule), then creates a Waiter.
// timeout<0 waits indefinitely, timeout==0 is a poll (caller should call
// Wait and expect it to return immediately), timeout>0 is the deadline.
//
// If any resolved container is already Dead or does not exist, the waiter
// is returned already fired for that name so Wait returns immediately —
// this is the fire-once semantic applied to the registration race itself.
func (s *Set) Register(lister Lister, names []string, namespace string, timeout time.Duration) *Waiter {
	resolved := s.resolveNames(lister, names, namespace)

	w := &Waiter{
		Names:  resolved,
		result: make(chan string, 1),
	}
	if timeout >= 0 {
		w.deadline = time.Now().Add(timeout)
	}

	s.mu.Lock()
	s.nextID++
	w.id = s.nextID
	for _, n := range resolved {
		c, ok := lister.Find(n)
		if !ok || c.State() == container.Dead {
			s.mu.Unlock()
			w.fire(n)
			return w
		}
		s.byContainer[n] = append(s.byContainer[n], w)
	}
	s.mu.Unlock()

	return w
}

func (s *Set) resolveNames(lister Lister, names []string, namespace string) []string {
	var out []string
	for _, n := range names {
		if n == "*" {
			out = append(out, lister.List(namespace)...)
			continue
		}
		if namespace != "" && !strings.HasPrefix(n, namespace) {
			out = append(out, namespace+"/"+n)
			continue
		}
		out = append(out, n)
	}
	return out
}

// Notify fires every waiter registered on name (at most one outstanding
// fire each, by construction) and removes name's waiter list — called on
// transition to Dead and on Destroy (spec §4.7).
func (s *Set) Notify(name string) {
	s.mu.Lock()
	waiters := s.byContainer[name]
	delete(s.byContainer, name)
	s.mu.Unlock()

	for _, w := range waiters {
		w.fire(name)
	}
}

// Cancel drops w from every container it is registered on without firing
// it, used when a client disconnects before its Wait resolves.
func (s *Set) Cancel(w *Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range w.Names {
		list := s.byContainer[n]
		for i, candidate := range list {
			if candidate == w {
				s.byContainer[n] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// ActiveCount reports the number of distinct waiters registered on at least
// one container, for metrics.WaitersActive.
func (s *Set) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uint64]struct{})
	for _, list := range s.byContainer {
		for _, w := range list {
			seen[w.id] = struct{}{}
		}
	}
	return len(seen)
}
