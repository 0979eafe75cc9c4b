package propmap

// Flag is a bitmask of the property/data attributes named in spec §4.8.
type Flag uint8

const (
	// Hidden properties are not listed by propertylist()/datalist().
	Hidden Flag = 1 << iota
	// Persistent properties are written through to KvStore on every Set.
	Persistent
	// SuperuserOnly properties can only be set by a caller in a superuser gid.
	SuperuserOnly
	// ParentDefault properties fall through to the nearest ancestor's
	// explicit value when unset on the target container.
	ParentDefault
	// ParentReadOnly properties are locked while a container shares its
	// Running parent's namespace (isolate=false); Holder.SetProperty
	// enforces it.
	ParentReadOnly
	// OsModeReset properties cannot be set while virt_mode=os; a value
	// stored before is kept, not reset to the default.
	OsModeReset
	// UnitSuffix properties accept a K/M/G/T multiplier on Uint values.
	UnitSuffix
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Validator checks a freshly parsed Value before it is stored, returning a
// descriptive error (InvalidValue or NotSupported) if the value is rejected.
type Validator func(Value) error

// Descriptor is one property or data item's full declaration: type, flags,
// validator, and the states in which it may be written. Data items (computed,
// read-only) have a nil Writable set.
type Descriptor struct {
	Name       string
	Type       Type
	Default    Value
	Flags      Flag
	Validator  Validator
	// Writable lists the container states (by name, matching the
	// container package's State.String()) in which SetProperty is allowed.
	// A nil/empty set means the item is read-only data.
	Writable []string
}

func (d *Descriptor) IsWritable(state string) bool {
	for _, s := range d.Writable {
		if s == state {
			return true
		}
	}
	return false
}

// Registry is a named set of property/data descriptors shared by every
// PropertyMap built with it; it is immutable after construction.
type Registry struct {
	byName map[string]*Descriptor
	order  []string // declaration order, for stable listing
}

// NewRegistry builds a Registry from a descriptor list, preserving order.
func NewRegistry(descs []*Descriptor) *Registry {
	r := &Registry{byName: make(map[string]*Descriptor, len(descs))}
	for _, d := range descs {
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r
}

func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns every registered name in declaration order, optionally
// filtered to only those visible (not Hidden) and/or only writable ones.
func (r *Registry) Names(includeHidden, writableOnly bool) []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		d := r.byName[n]
		if !includeHidden && d.Flags.Has(Hidden) {
			continue
		}
		if writableOnly && len(d.Writable) == 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}
