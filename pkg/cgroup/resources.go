package cgroup

import (
	"strconv"
	"strings"

	"github.com/cuemby/portod/pkg/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ParseDeviceRule parses one entry of the devices property's list (spec
// §4.3 step 1: "devices whitelist → devices.allow/deny") in the
// conventional cgroup device-rule syntax: "<type> <major>:<minor> <access>"
// where type is a/b/c (all/block/char) and either half of major:minor may
// be "*" for "any".
func ParseDeviceRule(rule string) (specs.LinuxDeviceCgroup, error) {
	fields := strings.Fields(rule)
	if len(fields) != 3 {
		return specs.LinuxDeviceCgroup{}, errors.New(errors.InvalidValue, "invalid device rule %q, want \"<type> <major>:<minor> <access>\"", rule)
	}
	devType := fields[0]
	switch devType {
	case "a", "b", "c":
	default:
		return specs.LinuxDeviceCgroup{}, errors.New(errors.InvalidValue, "invalid device type %q in rule %q", devType, rule)
	}

	majMin := strings.SplitN(fields[1], ":", 2)
	if len(majMin) != 2 {
		return specs.LinuxDeviceCgroup{}, errors.New(errors.InvalidValue, "invalid major:minor %q in rule %q", fields[1], rule)
	}
	major, err := parseDeviceNumber(majMin[0])
	if err != nil {
		return specs.LinuxDeviceCgroup{}, errors.New(errors.InvalidValue, "invalid major %q in rule %q", majMin[0], rule)
	}
	minor, err := parseDeviceNumber(majMin[1])
	if err != nil {
		return specs.LinuxDeviceCgroup{}, errors.New(errors.InvalidValue, "invalid minor %q in rule %q", majMin[1], rule)
	}

	allow := true
	return specs.LinuxDeviceCgroup{
		Allow:  allow,
		Type:   devType,
		Major:  major,
		Minor:  minor,
		Access: fields[2],
	}, nil
}

// parseDeviceNumber parses a major/minor component, treating "*" as "any"
// (a nil pointer in the OCI LinuxDeviceCgroup vocabulary).
func parseDeviceNumber(s string) (*int64, error) {
	if s == "*" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ResourcesFromLimits builds a LinuxResources struct from the property
// values Composer reads off a container (memory_limit, memory_guarantee,
// cpu_limit, cpu_guarantee, cpu_policy, devices, net class). Zero/empty
// values are omitted so unset properties don't clamp a cgroup that was
// previously wider. classID, if nonzero, is the htb handle netcls.Manager
// assigned the container, written through to net_cls.classid.
func ResourcesFromLimits(memLimit, memGuarantee, cpuLimitUsec, cpuGuaranteeUsec uint64, cpuPolicy string, devices []string, classID uint32) (*specs.LinuxResources, error) {
	res := &specs.LinuxResources{}

	if memLimit > 0 || memGuarantee > 0 {
		mem := &specs.LinuxMemory{}
		if memLimit > 0 {
			v := int64(memLimit)
			mem.Limit = &v
		}
		if memGuarantee > 0 {
			v := int64(memGuarantee)
			mem.Reservation = &v
		}
		res.Memory = mem
	}

	if cpuLimitUsec > 0 || cpuGuaranteeUsec > 0 || cpuPolicy != "" {
		cpu := &specs.LinuxCPU{}
		const period = uint64(100000) // 100ms period, matching cfs_period_us default
		cpu.Period = &period
		if cpuLimitUsec > 0 {
			q := int64(cpuLimitUsec)
			cpu.Quota = &q
		}
		if cpuGuaranteeUsec > 0 {
			// shares scale is 1024 per core-equivalent; guarantee is
			// expressed the same units as limit so this is an approximation
			// suitable for the cpu.shares knob, not an exact cfs guarantee.
			shares := cpuGuaranteeUsec / 1000
			if shares == 0 {
				shares = 1
			}
			cpu.Shares = &shares
		}
		switch cpuPolicy {
		case "idle":
			shares := uint64(2)
			cpu.Shares = &shares
		case "rt":
			rt := int64(cpuLimitUsec)
			cpu.RealtimeRuntime = &rt
		}
		res.CPU = cpu
	}

	if len(devices) > 0 {
		rules := make([]specs.LinuxDeviceCgroup, 0, len(devices))
		for _, rule := range devices {
			d, err := ParseDeviceRule(rule)
			if err != nil {
				return nil, err
			}
			rules = append(rules, d)
		}
		res.Devices = rules
	}

	if classID != 0 {
		id := classID
		res.Network = &specs.LinuxNetwork{ClassID: &id}
	}

	return res, nil
}
