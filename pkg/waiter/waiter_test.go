package waiter

import (
	"testing"
	"time"

	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/propmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	containers map[string]*container.Container
}

func newFakeLister() *fakeLister {
	return &fakeLister{containers: make(map[string]*container.Container)}
}

func (f *fakeLister) add(name string) *container.Container {
	registry := propmap.DefaultRegistry()
	c := container.New(name, len(f.containers)+1, cred.Peer{}, registry, nil)
	f.containers[name] = c
	return c
}

func (f *fakeLister) List(prefix string) []string {
	var out []string
	for n := range f.containers {
		out = append(out, n)
	}
	return out
}

func (f *fakeLister) Find(name string) (*container.Container, bool) {
	c, ok := f.containers[name]
	return c, ok
}

func TestRegisterFiresImmediatelyOnAlreadyDead(t *testing.T) {
	lister := newFakeLister()
	c := lister.add("box")
	c.ForceState(container.Dead)

	s := New()
	w := s.Register(lister, []string{"box"}, "", -1)

	name, fired := w.Wait()
	assert.True(t, fired)
	assert.Equal(t, "box", name)
}

func TestRegisterFiresImmediatelyOnMissingContainer(t *testing.T) {
	lister := newFakeLister()
	s := New()
	w := s.Register(lister, []string{"ghost"}, "", -1)

	name, fired := w.Wait()
	assert.True(t, fired)
	assert.Equal(t, "ghost", name)
}

func TestNotifyFiresRegisteredWaiter(t *testing.T) {
	lister := newFakeLister()
	lister.add("box")

	s := New()
	w := s.Register(lister, []string{"box"}, "", -1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Notify("box")
	}()

	name, fired := w.Wait()
	assert.True(t, fired)
	assert.Equal(t, "box", name)
}

func TestWaitTimesOutWithoutNotify(t *testing.T) {
	lister := newFakeLister()
	lister.add("box")

	s := New()
	w := s.Register(lister, []string{"box"}, "", 20*time.Millisecond)

	_, fired := w.Wait()
	assert.False(t, fired)
}

func TestCancelPreventsFutureFire(t *testing.T) {
	lister := newFakeLister()
	lister.add("box")

	s := New()
	w := s.Register(lister, []string{"box"}, "", -1)
	s.Cancel(w)
	s.Notify("box")

	select {
	case <-w.result:
		t.Fatal("cancelled waiter should not fire")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegisterExpandsWildcard(t *testing.T) {
	lister := newFakeLister()
	lister.add("a")
	lister.add("b")

	s := New()
	w := s.Register(lister, []string{"*"}, "", -1)
	require.Len(t, w.Names, 2)
}

func TestActiveCountTracksRegistrations(t *testing.T) {
	lister := newFakeLister()
	lister.add("box")

	s := New()
	assert.Equal(t, 0, s.ActiveCount())
	s.Register(lister, []string{"box"}, "", -1)
	assert.Equal(t, 1, s.ActiveCount())
}
