// Package holder implements the Holder (spec §4.1): the single authoritative
// registry of all containers, owning name/id uniqueness, hierarchy
// invariants, and lock ordering. It is the one place that knows the full
// parent/child tree; Container itself only knows its own Parent pointer.
package holder

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/idmap"
	"github.com/cuemby/portod/pkg/kvstore"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/oomwatch"
	"github.com/cuemby/portod/pkg/propmap"
	"github.com/cuemby/portod/pkg/regcache"
)

// nameSegment matches one path segment of a container name (spec §3).
var nameSegment = regexp.MustCompile(`^[A-Za-z0-9_\-@:.]{1,128}$`)

const maxNameLength = 200

// ownerUIDKey and ownerGIDKey persist the owning credential alongside a
// container's Persistent properties; owner isn't itself a registered
// property (spec §4.8 doesn't name one), so recovery needs a reserved pair
// of keys to tell it who the container belonged to.
const (
	ownerUIDKey  = "__owner_uid"
	ownerGIDKey  = "__owner_gid"
	createdAtKey = "__created_at"
)

// ValidateName checks a container name against spec §3's grammar:
// slash-separated segments, each 1-128 chars from the allowed alphabet,
// total length <=200, no empty segments.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return errors.New(errors.InvalidValue, "container name %q has invalid length", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if !nameSegment.MatchString(seg) {
			return errors.New(errors.InvalidValue, "container name %q has invalid segment %q", name, seg)
		}
	}
	return nil
}

// ParentName returns the name one level up the hierarchy, or "" for a
// top-level container.
func ParentName(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[:i]
}

// Holder is the container registry. A single mutex protects the maps;
// per-container state changes are made under the container's own lock,
// taken only after the holder lock in the hierarchy's root-to-leaf order
// (spec §4.1's lock-ordering rule).
type Holder struct {
	mu sync.RWMutex

	byName map[string]*container.Container
	byID   map[int]*container.Container

	registry *propmap.Registry
	ids      *idmap.IdMap
	store    *kvstore.Store
	oom      *oomwatch.Watcher
	cache    *regcache.Cache

	maxTotal int

	// physicalMemory and guaranteeReserve bound the tree-wide memory
	// guarantee invariant (spec §3, §8 testable property 4). Zero
	// physicalMemory disables that one check; see AttachMemoryBudget.
	physicalMemory   uint64
	guaranteeReserve uint64
}

// AttachStore wires a KvStore for persistence. Leaving it unset (as every
// unit test in this package does) keeps the holder memory-only, which is
// enough to exercise every invariant that doesn't depend on crash recovery.
func (h *Holder) AttachStore(store *kvstore.Store) {
	h.store = store
}

// AttachOOMWatcher wires the OOM watcher every new or reconstructed
// Container is handed, so Start/AttachRecovered can begin watching its
// task without the Holder having to thread one through every call site
// individually.
func (h *Holder) AttachOOMWatcher(w *oomwatch.Watcher) {
	h.oom = w
}

// AttachRegCache wires the bbolt-backed secondary index Persist and
// Destroy keep in sync, and Rebuild repopulates wholesale at recovery
// time. Leaving it unset keeps lookups going through the Holder lock only,
// which every unit test in this package relies on.
func (h *Holder) AttachRegCache(c *regcache.Cache) {
	h.cache = c
}

// AttachMemoryBudget enables the tree-wide half of the memory_guarantee
// invariant (spec §3, §8 testable property 4): the sum of memory_guarantee
// over every top-level container must not exceed physicalMemory -
// guaranteeReserve. Leaving it unset (as every unit test in this package
// does) disables only this check; the per-ancestor and sibling-sum checks
// in checkHierarchy always run regardless.
func (h *Holder) AttachMemoryBudget(physicalMemory, guaranteeReserve uint64) {
	h.physicalMemory = physicalMemory
	h.guaranteeReserve = guaranteeReserve
}

// summary builds the regcache.Summary for c's current state, used by both
// Persist and RebuildRegCache so the two never drift apart.
func summary(c *container.Container) regcache.Summary {
	rootPID := 0
	if v, err := c.Props.GetData("root_pid"); err == nil {
		rootPID = int(v.Int)
	}
	var parentName string
	if c.Parent != nil {
		parentName = c.Parent.Name
	}
	return regcache.Summary{
		Name:       c.Name,
		ParentName: parentName,
		State:      c.State().String(),
		RootPID:    rootPID,
		CreatedAt:  c.CreatedAt(),
	}
}

// Persist writes c's full record: its Persistent property snapshot plus the
// owner identity. Called after Create and after any RPC that changes a
// Persistent property (spec §4.5: "Properties marked Persistent are
// append-on-every-set" — a full Save rather than piecemeal Append keeps this
// one call site instead of threading a per-property hook through the
// router).
func (h *Holder) Persist(c *container.Container) {
	if h.cache != nil {
		if err := h.cache.Put(summary(c)); err != nil {
			log.WithContainer(c.Name).Warn().Err(err).Msg("holder: failed updating regcache summary")
		}
	}

	if h.store == nil {
		return
	}
	node := c.Props.Snapshot()
	node[ownerUIDKey] = strconv.FormatUint(uint64(c.Owner.UID), 10)
	node[ownerGIDKey] = strconv.FormatUint(uint64(c.Owner.GID), 10)
	node[createdAtKey] = strconv.FormatInt(c.CreatedAt(), 10)
	if err := h.store.Save(c.Name, node); err != nil {
		log.WithContainer(c.Name).Warn().Err(err).Msg("holder: failed persisting container record")
	}
}

// RebuildRegCache replaces the whole regcache bucket from the Holder's
// current in-memory tree, called once at the end of recovery (§4.6) so the
// cache never observes a partially-reconstructed registry one record at a
// time.
func (h *Holder) RebuildRegCache() error {
	if h.cache == nil {
		return nil
	}
	h.mu.RLock()
	summaries := make([]regcache.Summary, 0, len(h.byName))
	for _, c := range h.byName {
		summaries = append(summaries, summary(c))
	}
	h.mu.RUnlock()
	return h.cache.Rebuild(summaries)
}

// ParseOwner extracts the owner credential Persist wrote into node, for
// recovery to pass back into Reconstruct. A missing or unparseable field
// yields a zero Peer (effectively root), matching that a record this
// daemon itself wrote is trusted, unlike ordinary untrusted RPC input.
func ParseOwner(node map[string]string) cred.Peer {
	uid, _ := strconv.ParseUint(node[ownerUIDKey], 10, 32)
	gid, _ := strconv.ParseUint(node[ownerGIDKey], 10, 32)
	return cred.Peer{UID: uint32(uid), GID: uint32(gid)}
}

// New builds an empty Holder. maxTotal and maxIDs come from Config
// (MaxTotalContainers, MaxContainerIDs, §4.1/§3).
func New(maxTotal, maxIDs int) *Holder {
	return &Holder{
		byName:   make(map[string]*container.Container),
		byID:     make(map[int]*container.Container),
		registry: propmap.DefaultRegistry(),
		ids:      idmap.New(maxIDs),
		maxTotal: maxTotal,
	}
}

// Create allocates and registers a new Stopped container (spec §4.1
// Create). The caller must hold no other container locks.
func (h *Holder) Create(name string, owner cred.Peer, callerUID uint32, isSuperuser bool) (*container.Container, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byName[name]; exists {
		return nil, errors.New(errors.ContainerAlreadyExists, "container %q already exists", name)
	}
	if len(h.byName) >= h.maxTotal {
		return nil, errors.New(errors.ResourceNotAvailable, "max_total_containers reached")
	}

	var parent *container.Container
	if pname := ParentName(name); pname != "" {
		p, ok := h.byName[pname]
		if !ok {
			return nil, errors.New(errors.ContainerDoesNotExist, "parent %q does not exist", pname)
		}
		if !isSuperuser && p.Owner.UID != callerUID {
			return nil, errors.New(errors.Permission, "not permitted to create child of %q", pname)
		}
		parent = p
	}

	id, err := h.ids.Allocate()
	if err != nil {
		return nil, err
	}

	c := container.New(name, id, owner, h.registry, parent)
	c.SetOOMWatcher(h.oom)
	h.byName[name] = c
	h.byID[id] = c
	metrics.IdsInUse.Set(float64(h.ids.Count()))
	metrics.ContainersTotal.WithLabelValues(c.State().String()).Inc()
	h.Persist(c)
	return c, nil
}

// Reconstruct registers a container from a KvStore record at recovery time
// (spec §4.6 step 1): like Create, but restores node into the new
// PropertyMap instead of leaving it blank, and never re-persists — the
// record on disk is already correct, and persisting a still-empty map
// before Restore runs would clobber it. max_total_containers is not
// enforced here; every container that existed before the crash gets
// reconstructed regardless of the currently configured limit.
func (h *Holder) Reconstruct(name string, owner cred.Peer, node map[string]string) (*container.Container, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byName[name]; exists {
		return nil, errors.New(errors.ContainerAlreadyExists, "container %q already exists", name)
	}

	var parent *container.Container
	if pname := ParentName(name); pname != "" {
		p, ok := h.byName[pname]
		if !ok {
			return nil, errors.New(errors.ContainerDoesNotExist, "parent %q does not exist", pname)
		}
		parent = p
	}

	id, err := h.ids.Allocate()
	if err != nil {
		return nil, err
	}

	c := container.New(name, id, owner, h.registry, parent)
	c.SetOOMWatcher(h.oom)
	c.Props.Restore(node)
	if v, err := strconv.ParseInt(node[createdAtKey], 10, 64); err == nil {
		c.SetCreatedAt(v)
	}
	h.byName[name] = c
	h.byID[id] = c
	metrics.IdsInUse.Set(float64(h.ids.Count()))
	metrics.ContainersTotal.WithLabelValues(c.State().String()).Inc()
	return c, nil
}

// Destroy removes name and, recursively, its children (spec §4.1 Destroy).
// Any Paused descendant aborts the whole operation with InvalidState — the
// caller must Resume it first.
func (h *Holder) Destroy(name string, callerUID uint32, isSuperuser bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.byName[name]
	if !ok {
		return errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}
	if !isSuperuser && c.Owner.UID != callerUID {
		return errors.New(errors.Permission, "not permitted to destroy %q", name)
	}

	children := h.childrenLocked(name)
	for _, child := range children {
		if child.State() == container.Paused {
			return errors.New(errors.InvalidState, "descendant %q is paused; resume before destroy", child.Name)
		}
	}
	// Destroy deepest descendants first so no child ever outlives its
	// parent's registry entry.
	sort.Slice(children, func(i, j int) bool { return len(children[i].Name) > len(children[j].Name) })
	for _, child := range children {
		h.removeLocked(child)
	}
	h.removeLocked(c)
	return nil
}

func (h *Holder) removeLocked(c *container.Container) {
	delete(h.byName, c.Name)
	delete(h.byID, c.ID)
	h.ids.Release(c.ID)
	metrics.IdsInUse.Set(float64(h.ids.Count()))
	metrics.ContainersTotal.WithLabelValues(c.State().String()).Dec()
	if h.store != nil {
		if err := h.store.Remove(c.Name); err != nil {
			log.WithContainer(c.Name).Warn().Err(err).Msg("holder: failed removing kv record")
		}
	}
	if h.cache != nil {
		if err := h.cache.Delete(c.Name); err != nil {
			log.WithContainer(c.Name).Warn().Err(err).Msg("holder: failed removing regcache summary")
		}
	}
}

// childrenLocked returns every registered descendant of name (not just
// direct children), deepest-last is not guaranteed — callers that need an
// order sort the result themselves. Must be called with h.mu held.
func (h *Holder) childrenLocked(name string) []*container.Container {
	prefix := name + "/"
	var out []*container.Container
	for n, c := range h.byName {
		if strings.HasPrefix(n, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// DirectChildren returns name's immediate children, in name order, used by
// Stop's cascade (which walks it in reverse) and by Meta inference.
func (h *Holder) DirectChildren(name string) []*container.Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	prefix := name + "/"
	var out []*container.Container
	for n, c := range h.byName {
		if strings.HasPrefix(n, prefix) && !strings.Contains(n[len(prefix):], "/") {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find resolves a container by name.
func (h *Holder) Find(name string) (*container.Container, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byName[name]
	return c, ok
}

// FindByID resolves a container by its allocated id.
func (h *Holder) FindByID(id int) (*container.Container, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[id]
	return c, ok
}

// List returns every registered container name, optionally restricted to
// those whose name has prefix (used to implement porto_namespace scoping
// at the router layer).
func (h *Holder) List(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byName))
	for n := range h.byName {
		if prefix == "" || strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Variable is one requested property or data name in a Get batch.
type Variable struct {
	Value string
	Err   error
}

// Get implements the batch property/data read (spec §4.1 Get): the holder
// lock is released before touching individual containers, so a slow getter
// on one container never blocks registry mutation of another (spec §4.1's
// concurrency note).
func (h *Holder) Get(names []string, variables []string) map[string]map[string]Variable {
	h.mu.RLock()
	snapshot := make([]*container.Container, 0, len(names))
	missing := make([]string, 0)
	for _, n := range names {
		if c, ok := h.byName[n]; ok {
			snapshot = append(snapshot, c)
		} else {
			missing = append(missing, n)
		}
	}
	h.mu.RUnlock()

	result := make(map[string]map[string]Variable, len(names))
	for _, n := range missing {
		result[n] = map[string]Variable{}
		for _, v := range variables {
			result[n][v] = Variable{Err: errors.New(errors.ContainerDoesNotExist, "container %q does not exist", n)}
		}
	}
	for _, c := range snapshot {
		result[c.Name] = readVariables(c, variables)
	}
	return result
}

func readVariables(c *container.Container, variables []string) map[string]Variable {
	out := make(map[string]Variable, len(variables))
	for _, name := range variables {
		if v, err := c.Props.GetData(name); err == nil {
			out[name] = Variable{Value: v.String()}
			continue
		}
		v, err := c.Props.GetProperty(name)
		if err != nil {
			out[name] = Variable{Err: err}
			continue
		}
		out[name] = Variable{Value: v.String()}
	}
	return out
}

// Registry returns the shared property descriptor table, used by the
// router to answer propertylist()/datalist().
func (h *Holder) Registry() *propmap.Registry { return h.registry }

// SetProperty validates and stores one property write for c, interposing
// the hierarchy invariants (spec §3 "Hierarchy invariants", §8 testable
// property 4) between PropertyMap's own per-container checks and the
// actual commit. The router calls this instead of c.Props.SetProperty
// directly so no property write can bypass the tree-wide checks.
func (h *Holder) SetProperty(c *container.Container, key, raw, state string, isSuperuser, osMode bool) error {
	v, err := c.Props.PrepareSet(key, raw, state, isSuperuser, osMode)
	if err != nil {
		return err
	}
	if d, ok := h.registry.Lookup(key); ok && d.Flags.Has(propmap.ParentReadOnly) && c.Parent != nil {
		isolateV, _ := c.Props.GetProperty("isolate")
		if !isolateV.Bool && c.Parent.State() == container.Running {
			return errors.New(errors.InvalidState, "property %s is read-only while %s shares its running parent's namespace", key, c.Name)
		}
	}
	if err := h.checkHierarchy(c, key, v); err != nil {
		return err
	}
	c.Props.CommitValue(key, v)
	return nil
}

// checkHierarchy dispatches to the hierarchy rule matching key, if any.
// Properties not named here have no hierarchy constraint.
func (h *Holder) checkHierarchy(c *container.Container, key string, v propmap.Value) error {
	switch key {
	case "memory_limit", "cpu_limit", "cpu_guarantee":
		return checkAncestorUint(c, key, v.Uint)
	case "net_limit", "net_guarantee":
		return checkAncestorMap(c, key, v.Map)
	case "memory_guarantee":
		if err := checkAncestorUint(c, key, v.Uint); err != nil {
			return err
		}
		return h.checkMemoryGuarantee(c, v.Uint)
	default:
		return nil
	}
}

// checkAncestorUint enforces "a child's resource limit must be <= its
// parent's same limit" (spec §3) for a Uint-valued property: it walks c's
// ancestor chain comparing newValue against each ancestor's own effective
// value for key, via GetProperty so ParentDefault inheritance is already
// resolved. A limit of 0 means "unbounded" on either side and is skipped.
func checkAncestorUint(c *container.Container, key string, newValue uint64) error {
	if newValue == 0 {
		return nil
	}
	for p := c.Parent; p != nil; p = p.Parent {
		pv, err := p.Props.GetProperty(key)
		if err != nil {
			return nil
		}
		if pv.Uint == 0 {
			continue
		}
		if newValue > pv.Uint {
			return errors.New(errors.InvalidValue, "%s=%d on %q exceeds parent %q's %s=%d", key, newValue, c.Name, p.Name, key, pv.Uint)
		}
	}
	return nil
}

// checkAncestorMap is checkAncestorUint for the per-interface net_limit/
// net_guarantee maps: only the interfaces c is actually setting are
// checked against the matching ancestor entry, not every interface the
// ancestor happens to have.
func checkAncestorMap(c *container.Container, key string, newValue map[string]uint64) error {
	if len(newValue) == 0 {
		return nil
	}
	for p := c.Parent; p != nil; p = p.Parent {
		pv, err := p.Props.GetProperty(key)
		if err != nil {
			return nil
		}
		for iface, v := range newValue {
			if v == 0 {
				continue
			}
			limit, ok := pv.Map[iface]
			if !ok || limit == 0 {
				continue
			}
			if v > limit {
				return errors.New(errors.InvalidValue, "%s[%s]=%d on %q exceeds parent %q's %s[%s]=%d", key, iface, v, c.Name, p.Name, key, iface, limit)
			}
		}
	}
	return nil
}

// checkMemoryGuarantee enforces the two memory_guarantee-specific rules
// spec §3 and §8 testable property 4 name: a container's guarantee plus its
// siblings' must not exceed their parent's own guarantee, and (once
// AttachMemoryBudget has been called) the sum over every top-level
// container must not exceed physical_memory - guarantee_reserve. Nested
// containers are not summed again at the top level: the sibling-sum rule
// already bounds their contribution transitively, up through every
// ancestor, to what their top-level container can itself carry.
func (h *Holder) checkMemoryGuarantee(c *container.Container, newValue uint64) error {
	if c.Parent != nil {
		parentV, err := c.Parent.Props.GetProperty("memory_guarantee")
		if err == nil && parentV.Uint > 0 {
			sum := newValue
			for _, sib := range h.DirectChildren(c.Parent.Name) {
				if sib.Name == c.Name {
					continue
				}
				v, _ := sib.Props.GetProperty("memory_guarantee")
				sum += v.Uint
			}
			if sum > parentV.Uint {
				return errors.New(errors.ResourceNotAvailable, "sibling memory_guarantee sum %d under %q exceeds its guarantee %d", sum, c.Parent.Name, parentV.Uint)
			}
		}
	}

	if h.physicalMemory == 0 {
		return nil
	}
	budget := budgetedMemory(h.physicalMemory, h.guaranteeReserve)

	h.mu.RLock()
	var sum uint64
	for name, other := range h.byName {
		if strings.Contains(name, "/") || other.Name == c.Name {
			continue
		}
		v, _ := other.Props.GetProperty("memory_guarantee")
		sum += v.Uint
	}
	h.mu.RUnlock()

	if !strings.Contains(c.Name, "/") {
		sum += newValue
	}
	if sum > budget {
		return errors.New(errors.ResourceNotAvailable, "tree-wide memory_guarantee sum %d exceeds physical_memory-guarantee_reserve budget %d", sum, budget)
	}
	return nil
}

// budgetedMemory is physicalMemory - guaranteeReserve, clamped to 0 rather
// than underflowing if the reserve is misconfigured larger than physical
// memory.
func budgetedMemory(physicalMemory, guaranteeReserve uint64) uint64 {
	if guaranteeReserve >= physicalMemory {
		return 0
	}
	return physicalMemory - guaranteeReserve
}
