// Package netcls implements NetClassMgr (spec §4.3 step 2): an htb class
// per container under each link's root qdisc, programmed from
// net_guarantee/net_limit/net_priority, bound to the container's cgroup via
// the net_cls classid (written by pkg/cgroup's LinuxNetwork resource, not by
// this package — netcls only owns the tc side of the handle).
package netcls

import (
	"sync"

	"github.com/cuemby/portod/pkg/errors"
	"github.com/vishvananda/netlink"
)

// handleMajor is the single htb handle space shared by all links (spec §9
// open question: "a single htb handle space TcHandle(1, n) shared by all
// links; when a link is added/removed at runtime, existing handles must be
// re-applied").
const handleMajor = 1

// Manager serializes all qdisc/class/filter mutation behind one mutex (spec
// §5: "Network link / qdisc / class tables are serialised by a NetClassMgr
// mutex") and tracks which minor ids are already assigned so a link refresh
// can replay every container's class.
type Manager struct {
	mu       sync.Mutex
	nextMinor uint16
	byName   map[string]uint16 // container name -> assigned minor
}

// New builds an empty Manager. minorBase is the configured
// NetClassHandleBase (spec §9), the first minor id handed out.
func New(minorBase uint16) *Manager {
	if minorBase == 0 {
		minorBase = 1
	}
	return &Manager{nextMinor: minorBase, byName: make(map[string]uint16)}
}

// ClassID is the combined major:minor htb handle, also written verbatim
// into the container's net_cls.classid cgroup file.
type ClassID uint32

func classID(minor uint16) ClassID {
	return ClassID(uint32(handleMajor)<<16 | uint32(minor))
}

// EnsureRootQdisc installs the shared htb root qdisc on link if not already
// present. Called once per link, typically at daemon startup and whenever
// a new link appears.
func (m *Manager) EnsureRootQdisc(link netlink.Link) error {
	attrs := netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    netlink.MakeHandle(handleMajor, 0),
		Parent:    netlink.HANDLE_ROOT,
	}
	qdisc := netlink.NewHtb(attrs)
	qdisc.Defcls = 0

	if err := netlink.QdiscReplace(qdisc); err != nil {
		return errors.Wrap(errors.Unknown, err, "install htb root qdisc on %s", link.Attrs().Name)
	}
	return nil
}

// Assign gives name a stable minor id, allocating one on first call.
func (m *Manager) Assign(name string) ClassID {
	m.mu.Lock()
	defer m.mu.Unlock()

	minor, ok := m.byName[name]
	if !ok {
		minor = m.nextMinor
		m.nextMinor++
		m.byName[name] = minor
	}
	return classID(minor)
}

// Program installs (or replaces) name's htb class on link with the given
// rate/ceiling (bytes/sec) and priority (spec §4.3 step 2).
func (m *Manager) Program(link netlink.Link, name string, rate, ceil uint64, priority uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	minor, ok := m.byName[name]
	if !ok {
		minor = m.nextMinor
		m.nextMinor++
		m.byName[name] = minor
	}

	attrs := netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(handleMajor, 0),
		Handle:    netlink.MakeHandle(handleMajor, minor),
	}
	htbAttrs := netlink.HtbClassAttrs{
		Rate:    rate,
		Ceil:    ceil,
		Prio:    priority,
		Buffer:  0,
		Cbuffer: 0,
	}
	class := netlink.NewHtbClass(attrs, htbAttrs)

	if err := netlink.ClassReplace(class); err != nil {
		return errors.Wrap(errors.Unknown, err, "program htb class for %s on %s", name, link.Attrs().Name)
	}
	return nil
}

// Remove deletes name's htb class from link and frees its minor id.
func (m *Manager) Remove(link netlink.Link, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	minor, ok := m.byName[name]
	if !ok {
		return nil
	}
	attrs := netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(handleMajor, 0),
		Handle:    netlink.MakeHandle(handleMajor, minor),
	}
	class := netlink.NewHtbClass(attrs, netlink.HtbClassAttrs{})
	if err := netlink.ClassDel(class); err != nil {
		return errors.Wrap(errors.Unknown, err, "remove htb class for %s on %s", name, link.Attrs().Name)
	}
	delete(m.byName, name)
	return nil
}

// ProgramAll programs name's htb class on every link named in guarantee or
// limit (net_guarantee/net_limit are per-interface maps, spec §4.3 step 2),
// resolving each interface with netlink.LinkByName. It keeps going past a
// per-interface failure (a renamed/missing interface shouldn't block the
// others) and returns the first error encountered, if any.
func (m *Manager) ProgramAll(name string, guarantee, limit map[string]uint64, priority uint32) error {
	ifaces := make(map[string]struct{}, len(guarantee)+len(limit))
	for iface := range guarantee {
		ifaces[iface] = struct{}{}
	}
	for iface := range limit {
		ifaces[iface] = struct{}{}
	}

	var firstErr error
	for iface := range ifaces {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(errors.Unknown, err, "resolve link %s for %s", iface, name)
			}
			continue
		}
		if err := m.EnsureRootQdisc(link); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.Program(link, name, guarantee[iface], limit[iface], priority); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Refresh re-programs every tracked container's class on link, used after a
// link change invalidates the previously-installed qdisc/classes (the open
// question in spec §9 this package resolves explicitly rather than
// assuming a stable link set).
func (m *Manager) Refresh(link netlink.Link, rates map[string][3]uint64) error {
	if err := m.EnsureRootQdisc(link); err != nil {
		return err
	}
	for name, rcp := range rates {
		if err := m.Program(link, name, rcp[0], rcp[1], uint32(rcp[2])); err != nil {
			return err
		}
	}
	return nil
}
