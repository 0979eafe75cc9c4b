package container

// State is one of the container lifecycle states named in spec §3. Meta is
// set by Container.Start for an empty command and re-derived by
// Holder.RecomputeMeta from command emptiness and child activity; it is a
// first-class State value so data("state") and the RPC wire can report it
// uniformly.
type State int

const (
	Stopped State = iota
	Running
	Paused
	Dead
	Meta
	Unknown
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Dead:
		return "dead"
	case Meta:
		return "meta"
	default:
		return "unknown"
	}
}

// ParseState is State.String's inverse, used when restoring state from a
// KvStore snapshot during recovery.
func ParseState(s string) State {
	switch s {
	case "stopped":
		return Stopped
	case "running":
		return Running
	case "paused":
		return Paused
	case "dead":
		return Dead
	case "meta":
		return Meta
	default:
		return Unknown
	}
}
