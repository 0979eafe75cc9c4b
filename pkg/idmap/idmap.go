// Package idmap implements the bounded small-integer allocator described in
// spec §3: "Bounded set of small integers [1..N] with constant-time
// allocate/release; used for container ids and any other dense id
// namespace. Allocation returns the smallest free id." It is used for
// container ids (§3); pkg/netcls keeps its own counter for htb minor
// numbers and does not use it.
package idmap

import (
	"sync"

	portoerrors "github.com/cuemby/portod/pkg/errors"
)

// IdMap allocates ids in [1, max] with smallest-free semantics. A single
// mutex serializes allocate/release (spec §5: "The IdMap uses a single
// mutex"). nextHint tracks the lowest id that might be free so the common
// case (no fragmentation) allocates without a scan.
type IdMap struct {
	mu       sync.Mutex
	max      int
	used     []bool // used[i] tracks id i+1
	nextHint int    // 0-based index to resume scanning from
	count    int
}

// New creates an IdMap bounded to [1, max].
func New(max int) *IdMap {
	return &IdMap{
		max:  max,
		used: make([]bool, max),
	}
}

// Allocate returns the smallest free id, or ResourceNotAvailable if the
// pool is exhausted.
func (m *IdMap) Allocate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := m.nextHint; i < m.max; i++ {
		if !m.used[i] {
			m.used[i] = true
			m.count++
			m.nextHint = i + 1
			return i + 1, nil
		}
	}
	// nextHint overshot past a hole left by an earlier Release; rescan from
	// the start before declaring the pool exhausted.
	for i := 0; i < m.nextHint && i < m.max; i++ {
		if !m.used[i] {
			m.used[i] = true
			m.count++
			m.nextHint = i + 1
			return i + 1, nil
		}
	}

	return 0, portoerrors.New(portoerrors.ResourceNotAvailable, "id map exhausted (max=%d)", m.max)
}

// Release returns an id to the pool. Releasing an id not currently in use
// is a no-op.
func (m *IdMap) Release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || id > m.max || !m.used[id-1] {
		return
	}
	m.used[id-1] = false
	m.count--
	if id-1 < m.nextHint {
		m.nextHint = id - 1
	}
}

// InUse reports whether id is currently allocated.
func (m *IdMap) InUse(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > m.max {
		return false
	}
	return m.used[id-1]
}

// Count returns the number of currently allocated ids.
func (m *IdMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
