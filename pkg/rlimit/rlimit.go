// Package rlimit implements RlimitMgr (spec §4.3 step 3): converting the
// ulimit property's "name: value; ..." map, whose values pack the soft
// limit in the low 32 bits and the hard limit in the high 32 bits, into
// POSIX rlimits and applying them to a child process before exec.
package rlimit

import (
	"fmt"

	"github.com/cuemby/portod/pkg/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// resourceNames maps the ulimit map's keys to the RLIMIT_* constant the
// original exposes through /etc/security/limits.conf-style names.
var resourceNames = map[string]int{
	"as":      unix.RLIMIT_AS,
	"core":    unix.RLIMIT_CORE,
	"cpu":     unix.RLIMIT_CPU,
	"data":    unix.RLIMIT_DATA,
	"fsize":   unix.RLIMIT_FSIZE,
	"locks":   unix.RLIMIT_LOCKS,
	"memlock": unix.RLIMIT_MEMLOCK,
	"msgqueue": unix.RLIMIT_MSGQUEUE,
	"nice":     unix.RLIMIT_NICE,
	"nofile":   unix.RLIMIT_NOFILE,
	"nproc":    unix.RLIMIT_NPROC,
	"rss":      unix.RLIMIT_RSS,
	"rtprio":   unix.RLIMIT_RTPRIO,
	"sigpending": unix.RLIMIT_SIGPENDING,
	"stack":    unix.RLIMIT_STACK,
}

// specNames maps the same keys to the OCI POSIXRlimit.Type string, for
// building the Composer's internal runtime-spec vocabulary (spec §9).
var specNames = map[string]string{
	"as": "RLIMIT_AS", "core": "RLIMIT_CORE", "cpu": "RLIMIT_CPU",
	"data": "RLIMIT_DATA", "fsize": "RLIMIT_FSIZE", "locks": "RLIMIT_LOCKS",
	"memlock": "RLIMIT_MEMLOCK", "msgqueue": "RLIMIT_MSGQUEUE",
	"nice": "RLIMIT_NICE", "nofile": "RLIMIT_NOFILE", "nproc": "RLIMIT_NPROC",
	"rss": "RLIMIT_RSS", "rtprio": "RLIMIT_RTPRIO",
	"sigpending": "RLIMIT_SIGPENDING", "stack": "RLIMIT_STACK",
}

// Limit is one parsed rlimit entry (soft/hard pair).
type Limit struct {
	Name string
	Soft uint64
	Hard uint64
}

// FromMap converts the ulimit property's parsed map (name -> packed
// soft/hard per spec §4.8's "k: v" map grammar, hard in the high 32 bits)
// into Limits, validating every name is a known resource.
func FromMap(m map[string]uint64) ([]Limit, error) {
	out := make([]Limit, 0, len(m))
	for name, packed := range m {
		if _, ok := resourceNames[name]; !ok {
			return nil, errors.New(errors.InvalidValue, "unknown ulimit resource %q", name)
		}
		soft := packed & 0xffffffff
		hard := packed >> 32
		if hard == 0 {
			hard = soft
		}
		out = append(out, Limit{Name: name, Soft: soft, Hard: hard})
	}
	return out, nil
}

// ToSpec renders limits as OCI POSIXRlimit entries, the typed vocabulary
// Composer assembles its plan from (spec §9).
func ToSpec(limits []Limit) []specs.POSIXRlimit {
	out := make([]specs.POSIXRlimit, 0, len(limits))
	for _, l := range limits {
		out = append(out, specs.POSIXRlimit{
			Type: specNames[l.Name],
			Soft: l.Soft,
			Hard: l.Hard,
		})
	}
	return out
}

// Apply installs limits on the calling process via setrlimit. It must run
// in the forked child after fork but before exec, since rlimits are
// per-process and setrlimit from the parent would affect the wrong task.
func Apply(limits []Limit) error {
	for _, l := range limits {
		rlim := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
		resource, ok := resourceNames[l.Name]
		if !ok {
			return errors.New(errors.InvalidValue, "unknown ulimit resource %q", l.Name)
		}
		if err := unix.Setrlimit(resource, &rlim); err != nil {
			return errors.Wrap(errors.Unknown, err, "setrlimit %s to %d/%d", l.Name, l.Soft, l.Hard)
		}
	}
	return nil
}

// Names lists every ulimit resource name this package recognizes, for
// validating user input early (before fork).
func Names() []string {
	out := make([]string, 0, len(resourceNames))
	for n := range resourceNames {
		out = append(out, n)
	}
	return out
}

func init() {
	// Guard against a typo silently mapping to the wrong constant: every
	// resourceNames key must have a matching specNames entry.
	for n := range resourceNames {
		if _, ok := specNames[n]; !ok {
			panic(fmt.Sprintf("rlimit: %q missing from specNames", n))
		}
	}
}
