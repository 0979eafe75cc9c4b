package propmap

import "os"

// cpuSmartKnobPaths lists where the patched cpu.smart cgroup v1 knob shows
// up across common cgroupfs mount layouts. Stock kernels never have this
// file; only a kernel built with the smart-scheduling patch does.
var cpuSmartKnobPaths = []string{
	"/sys/fs/cgroup/cpu/cpu.smart",
	"/sys/fs/cgroup/cpu,cpuacct/cpu.smart",
}

// Capabilities records which kernel-patched cgroup features this host
// exposes, gating the property validators that depend on them (spec §4.8:
// "Validators reject values on the wrong side of kernel capability gates").
type Capabilities struct {
	// CPUSmart is whether the cpu.smart knob exists, gating cpu_policy's
	// rt/idle values.
	CPUSmart bool
}

// DetectCapabilities probes the host for the capabilities DefaultRegistry's
// validators gate on.
func DetectCapabilities() Capabilities {
	return Capabilities{CPUSmart: DetectCPUSmart()}
}

// DetectCPUSmart reports whether the running kernel exposes the cpu.smart
// cgroup knob.
func DetectCPUSmart() bool {
	for _, p := range cpuSmartKnobPaths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
