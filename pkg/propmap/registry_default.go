package propmap

import "github.com/cuemby/portod/pkg/errors"

const (
	stateStopped = "stopped"
	stateRunning = "running"
	statePaused  = "paused"
	stateMeta    = "meta"
	stateDead    = "dead"
)

var anyStoppedOrDynamic = []string{stateStopped}
var dynamicStates = []string{stateStopped, stateRunning, statePaused, stateMeta, stateDead}

func oneOf(allowed ...string) Validator {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(v Value) error {
		if _, ok := set[v.Str]; !ok {
			return errors.New(errors.InvalidValue, "value %q not one of %v", v.Str, allowed)
		}
		return nil
	}
}

// cpuPolicyValidator accepts normal/rt/idle, but rejects rt and idle with
// NotSupported rather than InvalidValue when the host lacks cpu.smart — the
// original's ValidCpuPolicy lists "rt" as valid while also special-casing
// its rejection; treat rt/idle as capability-gated, never unconditionally
// invalid (spec §4.8, §9).
func cpuPolicyValidator(caps Capabilities) Validator {
	allowed := oneOf("normal", "rt", "idle")
	return func(v Value) error {
		if err := allowed(v); err != nil {
			return err
		}
		if (v.Str == "rt" || v.Str == "idle") && !caps.CPUSmart {
			return errors.New(errors.NotSupported, "cpu_policy %q requires the cpu.smart kernel feature", v.Str)
		}
		return nil
	}
}

// DefaultRegistry builds the full property/data descriptor table (SPEC_FULL
// §3), the set implemented beyond the minimum spec.md's own table shows,
// auto-detecting the host's kernel capability gates.
func DefaultRegistry() *Registry {
	return DefaultRegistryWithCapabilities(DetectCapabilities())
}

// DefaultRegistryWithCapabilities builds the same table as DefaultRegistry
// against an explicit capability set, letting callers that already know
// (or want to force) the host's gated features skip the probe.
func DefaultRegistryWithCapabilities(caps Capabilities) *Registry {
	return NewRegistry([]*Descriptor{
		// --- settable properties ---
		{Name: "command", Type: TString, Default: StringValue(""), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "user", Type: TString, Default: StringValue("nobody"), Flags: Persistent | ParentDefault, Writable: anyStoppedOrDynamic},
		{Name: "group", Type: TString, Default: StringValue("nogroup"), Flags: Persistent | ParentDefault, Writable: anyStoppedOrDynamic},
		{Name: "env", Type: TList, Default: ListValue(nil), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "cwd", Type: TString, Default: StringValue("/"), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "root", Type: TString, Default: StringValue("/"), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "bind", Type: TList, Default: ListValue(nil), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "isolate", Type: TBool, Default: BoolValue(true), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "virt_mode", Type: TString, Default: StringValue("app"), Flags: Persistent,
			Validator: oneOf("app", "os"), Writable: anyStoppedOrDynamic},
		{Name: "hostname", Type: TString, Default: StringValue(""), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "respawn", Type: TBool, Default: BoolValue(false), Flags: Persistent, Writable: dynamicStates},
		{Name: "max_respawns", Type: TInt, Default: IntValue(-1), Flags: Persistent, Writable: dynamicStates},
		{Name: "respawn_delay_ms", Type: TUint, Default: UintValue(1000), Flags: Persistent, Writable: dynamicStates},
		{Name: "memory_limit", Type: TUint, Default: UintValue(0), Flags: Persistent | ParentDefault | UnitSuffix, Writable: dynamicStates},
		{Name: "memory_guarantee", Type: TUint, Default: UintValue(0), Flags: Persistent | ParentDefault | UnitSuffix, Writable: dynamicStates},
		{Name: "cpu_limit", Type: TUint, Default: UintValue(0), Flags: Persistent | ParentDefault | UnitSuffix, Writable: dynamicStates},
		{Name: "cpu_guarantee", Type: TUint, Default: UintValue(0), Flags: Persistent | ParentDefault | UnitSuffix, Writable: dynamicStates},
		{Name: "cpu_policy", Type: TString, Default: StringValue("normal"), Flags: Persistent,
			Validator: cpuPolicyValidator(caps), Writable: dynamicStates},
		{Name: "io_limit", Type: TUint, Default: UintValue(0), Flags: Persistent | UnitSuffix, Writable: dynamicStates},
		{Name: "io_ops_limit", Type: TUint, Default: UintValue(0), Flags: Persistent, Writable: dynamicStates},
		{Name: "net_guarantee", Type: TMap, Default: MapValue(nil), Flags: Persistent, Writable: dynamicStates},
		{Name: "net_limit", Type: TMap, Default: MapValue(nil), Flags: Persistent, Writable: dynamicStates},
		{Name: "net_priority", Type: TUint, Default: UintValue(3), Flags: Persistent, Writable: dynamicStates},
		{Name: "devices", Type: TList, Default: ListValue(nil), Flags: Persistent | SuperuserOnly, Writable: anyStoppedOrDynamic},
		{Name: "ulimit", Type: TMap, Default: MapValue(nil), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "stdin_path", Type: TString, Default: StringValue("/dev/null"), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "stdout_path", Type: TString, Default: StringValue(""), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "stderr_path", Type: TString, Default: StringValue(""), Flags: Persistent, Writable: anyStoppedOrDynamic},
		{Name: "stdout_limit", Type: TUint, Default: UintValue(8 * 1024 * 1024), Flags: Persistent | UnitSuffix, Writable: anyStoppedOrDynamic},
		{Name: "capabilities", Type: TList, Default: ListValue(nil), Flags: Persistent | SuperuserOnly, Writable: anyStoppedOrDynamic},
		{Name: "porto_namespace", Type: TString, Default: StringValue(""), Flags: Persistent | ParentReadOnly, Writable: anyStoppedOrDynamic},
		{Name: "aging_time", Type: TUint, Default: UintValue(600), Flags: Persistent | ParentDefault, Writable: dynamicStates},

		// --- read-only data ---
		{Name: "state", Type: TString, Default: StringValue(stateStopped)},
		{Name: "exit_status", Type: TInt, Default: IntValue(0)},
		{Name: "start_errno", Type: TInt, Default: IntValue(0)},
		{Name: "oom_killed", Type: TBool, Default: BoolValue(false)},
		{Name: "respawn_count", Type: TUint, Default: UintValue(0)},
		{Name: "root_pid", Type: TInt, Default: IntValue(0)},
		// No uptime data value is registered. minor_faults and the usage
		// counters below it keep their defaults: nothing in the daemon sets them.
		{Name: "minor_faults", Type: TUint, Default: UintValue(0)},
		{Name: "major_faults", Type: TUint, Default: UintValue(0)},
		{Name: "memory_usage", Type: TUint, Default: UintValue(0)},
		{Name: "cpu_usage", Type: TUint, Default: UintValue(0)},
		{Name: "net_bytes_tx", Type: TMap, Default: MapValue(nil)},
		{Name: "net_bytes_rx", Type: TMap, Default: MapValue(nil)},
		{Name: "absolute_name", Type: TString, Default: StringValue("")},
	})
}
