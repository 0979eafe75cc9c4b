package holder

import (
	"time"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/supervisor"
)

// Start runs the Start algorithm's hierarchy half (spec §4.2 step 2): if
// name's parent is Stopped and isolate=false, the parent is started first
// (recursively), then name's own Container.Start runs. Meta inference
// (step 6) runs after, via RecomputeMeta.
func (h *Holder) Start(name string, comp *composer.Composer, sup *supervisor.TaskSupervisor) error {
	c, ok := h.Find(name)
	if !ok {
		return errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}

	isolateV, _ := c.Props.GetProperty("isolate")
	if !isolateV.Bool {
		if pname := ParentName(name); pname != "" {
			if parent, ok := h.Find(pname); ok && parent.State() == container.Stopped {
				if err := h.Start(pname, comp, sup); err != nil {
					return err
				}
			}
		}
	}

	if err := c.Start(comp, sup); err != nil {
		return err
	}
	h.RecomputeMeta(ParentName(name))
	return nil
}

// Stop runs the Stop algorithm's hierarchy half (spec §4.2 step 1): every
// direct child is stopped first, in reverse name order (creation order is
// not tracked), then name's own task is torn down.
func (h *Holder) Stop(name string, sup *supervisor.TaskSupervisor, timeout time.Duration) error {
	c, ok := h.Find(name)
	if !ok {
		return errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}

	children := h.DirectChildren(name)
	for i := len(children) - 1; i >= 0; i-- {
		_ = h.Stop(children[i].Name, sup, timeout) // best effort, per spec §4.2 step 1
	}

	return c.Stop(sup, timeout)
}

// Pause cascades a freeze to name and every descendant, parent first so a
// child never ends up frozen while its parent cgroup is still thawed.
func (h *Holder) Pause(name string) error {
	c, ok := h.Find(name)
	if !ok {
		return errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}
	if err := c.Pause(); err != nil {
		return err
	}
	for _, child := range h.DirectChildren(name) {
		if err := h.Pause(child.Name); err != nil {
			return err
		}
	}
	return nil
}

// Resume cascades a thaw, children first so a parent is never thawed while
// a child remains frozen (the inverse order of Pause).
func (h *Holder) Resume(name string) error {
	c, ok := h.Find(name)
	if !ok {
		return errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}
	for _, child := range h.DirectChildren(name) {
		if child.State() == container.Paused {
			if err := h.Resume(child.Name); err != nil {
				return err
			}
		}
	}
	return c.Resume()
}

// RecomputeMeta re-derives name's Meta status from its own command and its
// children's states (spec §4.2 step 6: "if command is empty and child is
// Running, transition to Meta"), then walks up to the parent so a chain of
// empty-command containers all settle correctly after one Start/exit.
func (h *Holder) RecomputeMeta(name string) {
	if name == "" {
		return
	}
	c, ok := h.Find(name)
	if !ok {
		return
	}
	if !c.HasEmptyCommand() {
		return
	}
	if c.State() != container.Stopped && c.State() != container.Meta {
		return
	}

	active := false
	for _, child := range h.DirectChildren(name) {
		switch child.State() {
		case container.Running, container.Meta:
			active = true
		}
	}

	switch {
	case active && c.State() != container.Meta:
		c.ForceState(container.Meta)
	case !active && c.State() == container.Meta:
		c.ForceState(container.Stopped)
	}

	h.RecomputeMeta(ParentName(name))
}
