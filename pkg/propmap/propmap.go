package propmap

import (
	"github.com/cuemby/portod/pkg/errors"
)

// PropertyMap holds one container's explicitly-set property values against
// a shared Registry, with an optional link to the parent container's map
// for ParentDefault inheritance (spec §4.8, §9: function values keyed by
// descriptor rather than virtual dispatch).
type PropertyMap struct {
	registry *Registry
	parent   *PropertyMap
	values   map[string]Value
	data     map[string]Value // computed read-only data items, refreshed by the owner
}

// New builds an empty PropertyMap against registry, optionally chained to
// parent for inheritance. parent may be nil (the root container).
func New(registry *Registry, parent *PropertyMap) *PropertyMap {
	return &PropertyMap{
		registry: registry,
		parent:   parent,
		values:   make(map[string]Value),
		data:     make(map[string]Value),
	}
}

// SetParent rebinds inheritance, used when a container is reparented (not a
// spec operation today, but kept so Holder can fix up the chain if that
// changes without touching every PropertyMap).
func (m *PropertyMap) SetParent(parent *PropertyMap) { m.parent = parent }

// GetProperty resolves name's value: explicit value on this map, else (if
// the descriptor is ParentDefault) the nearest ancestor's explicit value,
// else the descriptor's default.
func (m *PropertyMap) GetProperty(name string) (Value, error) {
	d, ok := m.registry.Lookup(name)
	if !ok {
		return Value{}, errors.New(errors.InvalidProperty, "unknown property %q", name)
	}
	if v, ok := m.values[name]; ok {
		return v, nil
	}
	if d.Flags.Has(ParentDefault) {
		for p := m.parent; p != nil; p = p.parent {
			if v, ok := p.values[name]; ok {
				return v, nil
			}
		}
	}
	return d.Default, nil
}

// SetProperty parses raw according to the descriptor's type, runs its
// validator, checks the caller-supplied state against the writable set, and
// stores the value. osMode is the container's own virt_mode=os setting,
// used to reject writes to OsModeReset properties in that mode.
func (m *PropertyMap) SetProperty(name, raw string, state string, isSuperuser bool, osMode bool) error {
	v, err := m.prepareSet(name, raw, state, isSuperuser, osMode)
	if err != nil {
		return err
	}
	m.values[name] = v
	return nil
}

// PrepareSet runs every check and conversion SetProperty does, without
// storing the result — it lets a caller (Holder) interpose its own checks
// on the parsed, validated Value before committing it with CommitValue,
// without re-implementing any of the per-container rules below.
func (m *PropertyMap) PrepareSet(name, raw string, state string, isSuperuser bool, osMode bool) (Value, error) {
	return m.prepareSet(name, raw, state, isSuperuser, osMode)
}

// CommitValue stores a Value already produced by PrepareSet. Callers must
// not call this with a Value that didn't come from this map's own
// PrepareSet, since it skips every check PrepareSet already ran.
func (m *PropertyMap) CommitValue(name string, v Value) {
	m.values[name] = v
}

func (m *PropertyMap) prepareSet(name, raw string, state string, isSuperuser bool, osMode bool) (Value, error) {
	d, ok := m.registry.Lookup(name)
	if !ok {
		return Value{}, errors.New(errors.InvalidProperty, "unknown property %q", name)
	}
	if len(d.Writable) == 0 {
		return Value{}, errors.New(errors.InvalidProperty, "%q is read-only data", name)
	}
	if !d.IsWritable(state) {
		return Value{}, errors.New(errors.InvalidState, "property %q is not writable in state %s", name, state)
	}
	if d.Flags.Has(SuperuserOnly) && !isSuperuser {
		return Value{}, errors.New(errors.Permission, "property %q requires superuser", name)
	}
	if d.Flags.Has(OsModeReset) && osMode {
		return Value{}, errors.New(errors.InvalidState, "property %q is reset by virt_mode=os and cannot be set", name)
	}

	v, err := parseTyped(d, raw)
	if err != nil {
		return Value{}, err
	}
	if d.Validator != nil {
		if err := d.Validator(v); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}

// SetValue stores a pre-built Value directly, bypassing string parsing and
// the state, superuser and os-mode checks; within this module only tests
// call it. It still runs the validator.
func (m *PropertyMap) SetValue(name string, v Value) error {
	d, ok := m.registry.Lookup(name)
	if !ok {
		return errors.New(errors.InvalidProperty, "unknown property %q", name)
	}
	if d.Validator != nil {
		if err := d.Validator(v); err != nil {
			return err
		}
	}
	m.values[name] = v
	return nil
}

// IsSet reports whether name has an explicit value on this map (ignoring
// inheritance).
func (m *PropertyMap) IsSet(name string) bool {
	_, ok := m.values[name]
	return ok
}

// SetData stores a computed, read-only data value (state, exit_status,
// root_pid, ...), refreshed by Container as it observes the world.
func (m *PropertyMap) SetData(name string, v Value) {
	m.data[name] = v
}

// GetData returns a computed data value, or the descriptor's default if
// never set.
func (m *PropertyMap) GetData(name string) (Value, error) {
	d, ok := m.registry.Lookup(name)
	if !ok {
		return Value{}, errors.New(errors.InvalidData, "unknown data %q", name)
	}
	if v, ok := m.data[name]; ok {
		return v, nil
	}
	return d.Default, nil
}

// PropertyNames lists visible, settable property names in declaration order
// (propertylist() RPC method, spec §6.1).
func (m *PropertyMap) PropertyNames() []string {
	return m.registry.Names(false, true)
}

// DataNames lists visible data item names in declaration order (datalist()
// RPC method).
func (m *PropertyMap) DataNames() []string {
	return m.registry.DataNames()
}

// DataNames lists visible data item names (registry-level, so the router
// can list them without needing any particular container's PropertyMap).
func (r *Registry) DataNames() []string {
	names := r.Names(false, false)
	out := make([]string, 0, len(names))
	for _, n := range names {
		d, _ := r.Lookup(n)
		if len(d.Writable) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot returns every explicitly-set property as name->string, for
// persistence to KvStore (Persistent flag items only).
func (m *PropertyMap) Snapshot() map[string]string {
	out := make(map[string]string)
	for name, v := range m.values {
		d, ok := m.registry.Lookup(name)
		if !ok || !d.Flags.Has(Persistent) {
			continue
		}
		out[name] = v.String()
	}
	return out
}

// Restore loads a persisted name->string snapshot back into this map,
// parsing each according to its descriptor and skipping unknown or
// unparseable entries rather than failing recovery for one bad field.
func (m *PropertyMap) Restore(snapshot map[string]string) {
	for name, raw := range snapshot {
		d, ok := m.registry.Lookup(name)
		if !ok {
			continue
		}
		v, err := parseTyped(d, raw)
		if err != nil {
			continue
		}
		m.values[name] = v
	}
}

func parseTyped(d *Descriptor, raw string) (Value, error) {
	switch d.Type {
	case TString:
		return StringValue(raw), nil
	case TInt:
		i, err := ParseInt(raw)
		if err != nil {
			return Value{}, err
		}
		return IntValue(i), nil
	case TUint:
		u, err := ParseUint(raw, d.Flags.Has(UnitSuffix))
		if err != nil {
			return Value{}, err
		}
		return UintValue(u), nil
	case TBool:
		b, err := ParseBool(raw)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case TList:
		if d.Name == "env" {
			l, err := ParseEnv(raw)
			if err != nil {
				return Value{}, err
			}
			return ListValue(l), nil
		}
		return ListValue(ParseList(raw)), nil
	case TMap:
		mv, err := ParseMap(raw)
		if err != nil {
			return Value{}, err
		}
		return MapValue(mv), nil
	default:
		return Value{}, errors.New(errors.InvalidValue, "unsupported type for %q", d.Name)
	}
}
