// Package nsmgr implements NamespaceMgr (spec §4.3 steps 4-5): building an
// unshare mask from isolate/hostname/net, then pivoting into the container's
// rootfs and laying down a restricted /proc, /sys, /dev, bind mounts, and
// /etc/hostname. It runs inside the forked child, after cgroup/netcls setup
// and before rlimits, capabilities, stdio, credentials and exec.
package nsmgr

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/portod/pkg/errors"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// BindMount is one parsed "src dst [ro|rw]" entry from the bind property.
type BindMount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Plan is the namespace/mount plan Composer builds from a container's
// property set before forking, expressed in the OCI runtime-spec
// vocabulary per spec §9 (load-bearing ordering: Composer still performs
// the raw syscalls itself, runtime-spec types are only the internal shape).
type Plan struct {
	Namespaces []specs.LinuxNamespace
	Root       string // "" means share the host root (no pivot)
	Binds      []BindMount
	Hostname   string
}

// BuildPlan assembles a Plan from the resolved property values. isolate
// controls whether pid/ipc/mount/uts/net namespaces are unshared at all;
// wantNet additionally unshares the network namespace when true.
func BuildPlan(isolate, wantNet bool, hostname, root string, binds []BindMount) *Plan {
	p := &Plan{Root: root, Binds: binds, Hostname: hostname}
	if !isolate {
		return p
	}
	p.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
	}
	if wantNet {
		p.Namespaces = append(p.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return p
}

// UnshareFlags returns the CLONE_NEW* flags matching the plan's namespace
// list, for use as exec.Cmd.SysProcAttr.Unshareflags or a direct
// unix.Unshare call in the forked child.
func (p *Plan) UnshareFlags() uintptr {
	var flags uintptr
	for _, ns := range p.Namespaces {
		switch ns.Type {
		case specs.PIDNamespace:
			flags |= unix.CLONE_NEWPID
		case specs.IPCNamespace:
			flags |= unix.CLONE_NEWIPC
		case specs.MountNamespace:
			flags |= unix.CLONE_NEWNS
		case specs.UTSNamespace:
			flags |= unix.CLONE_NEWUTS
		case specs.NetworkNamespace:
			flags |= unix.CLONE_NEWNET
		}
	}
	return flags
}

// deviceNodes is the minimal /dev whitelist spec §4.3 step 5 requires.
var deviceNodes = []struct {
	path  string
	major uint32
	minor uint32
	mode  uint32
}{
	{"null", 1, 3, unix.S_IFCHR | 0666},
	{"zero", 1, 5, unix.S_IFCHR | 0666},
	{"full", 1, 7, unix.S_IFCHR | 0666},
	{"random", 1, 8, unix.S_IFCHR | 0666},
	{"urandom", 1, 9, unix.S_IFCHR | 0666},
	{"tty", 5, 0, unix.S_IFCHR | 0666},
	{"console", 5, 1, unix.S_IFCHR | 0600},
	{"ptmx", 5, 2, unix.S_IFCHR | 0666},
}

// ApplyRoot pivots into root (if set), then mounts /proc, /sys, /dev, the
// bind mounts, and /etc/hostname. Runs after unshare, inside the child.
// Must run in the OS thread that will exec the container task.
func ApplyRoot(p *Plan) error {
	if p.Root != "" && p.Root != "/" {
		if err := pivotInto(p.Root); err != nil {
			return err
		}
	}

	if err := mountProc(); err != nil {
		return err
	}
	if err := mountSys(); err != nil {
		return err
	}
	if err := mountDev(); err != nil {
		return err
	}
	for _, b := range p.Binds {
		if err := applyBind(b); err != nil {
			return err
		}
	}
	if p.Hostname != "" {
		if err := unix.Sethostname([]byte(p.Hostname)); err != nil {
			return errors.Wrap(errors.Unknown, err, "sethostname %s", p.Hostname)
		}
		if err := writeEtcHostname(p.Hostname); err != nil {
			return err
		}
	}
	return nil
}

func pivotInto(root string) error {
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errors.Wrap(errors.Unknown, err, "bind-mount root %s onto itself", root)
	}
	oldRoot := filepath.Join(root, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return errors.Wrap(errors.Unknown, err, "create pivot_root put_old %s", oldRoot)
	}
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		return errors.Wrap(errors.Unknown, err, "pivot_root into %s", root)
	}
	if err := unix.Chdir("/"); err != nil {
		return errors.Wrap(errors.Unknown, err, "chdir / after pivot_root")
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return errors.Wrap(errors.Unknown, err, "detach old root")
	}
	return os.RemoveAll("/.old_root")
}

func mountProc() error {
	if err := os.MkdirAll("/proc", 0555); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /proc")
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return errors.Wrap(errors.Unknown, err, "mount /proc")
	}
	// Mask the knobs spec §4.3 step 5 calls out: sysrq-trigger, irq, bus,
	// sys, kcore become read-only bind mounts of themselves.
	for _, masked := range []string{"sysrq-trigger", "irq", "bus", "sys", "kcore"} {
		p := filepath.Join("/proc", masked)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := unix.Mount(p, p, "", unix.MS_BIND, ""); err != nil {
			continue
		}
		unix.Mount("", p, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
	}
	return nil
}

func mountSys() error {
	if err := os.MkdirAll("/sys", 0555); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /sys")
	}
	if err := unix.Mount("sysfs", "/sys", "sysfs", unix.MS_RDONLY, ""); err != nil {
		return errors.Wrap(errors.Unknown, err, "mount /sys")
	}
	return nil
}

func mountDev() error {
	if err := os.MkdirAll("/dev", 0755); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /dev")
	}
	if err := unix.Mount("tmpfs", "/dev", "tmpfs", unix.MS_NOSUID, "mode=755"); err != nil {
		return errors.Wrap(errors.Unknown, err, "mount /dev tmpfs")
	}
	for _, d := range deviceNodes {
		path := filepath.Join("/dev", d.path)
		dev := int(unix.Mkdev(d.major, d.minor))
		if err := unix.Mknod(path, d.mode, dev); err != nil {
			return errors.Wrap(errors.Unknown, err, "mknod %s", path)
		}
	}
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /dev/pts")
	}
	if err := unix.Mount("devpts", "/dev/pts", "devpts", 0, "newinstance,ptmxmode=0666"); err != nil {
		return errors.Wrap(errors.Unknown, err, "mount /dev/pts")
	}
	if err := os.MkdirAll("/dev/shm", 1777); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /dev/shm")
	}
	if err := unix.Mount("shm", "/dev/shm", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return errors.Wrap(errors.Unknown, err, "mount /dev/shm")
	}
	for _, alias := range []struct{ name, target string }{
		{"stdin", "/proc/self/fd/0"}, {"stdout", "/proc/self/fd/1"}, {"stderr", "/proc/self/fd/2"},
		{"fd", "/proc/self/fd"},
	} {
		os.Symlink(alias.target, filepath.Join("/dev", alias.name))
	}
	return nil
}

func applyBind(b BindMount) error {
	if err := os.MkdirAll(b.Destination, 0755); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir bind destination %s", b.Destination)
	}
	if err := unix.Mount(b.Source, b.Destination, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errors.Wrap(errors.Unknown, err, "bind mount %s -> %s", b.Source, b.Destination)
	}
	if b.ReadOnly {
		if err := unix.Mount("", b.Destination, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return errors.Wrap(errors.Unknown, err, "remount bind %s read-only", b.Destination)
		}
	}
	return nil
}

func writeEtcHostname(hostname string) error {
	if err := os.MkdirAll("/etc", 0755); err != nil {
		return errors.Wrap(errors.Unknown, err, "mkdir /etc")
	}
	if err := os.WriteFile("/etc/hostname", []byte(hostname+"\n"), 0644); err != nil {
		return errors.Wrap(errors.Unknown, err, "write /etc/hostname")
	}
	return nil
}

// ParseBind parses one "src dst [ro|rw]" entry from the bind property list.
func ParseBind(entry string) (BindMount, error) {
	var src, dst, mode string
	n, _ := fmt.Sscanf(entry, "%s %s %s", &src, &dst, &mode)
	if n < 2 {
		return BindMount{}, errors.New(errors.InvalidValue, "invalid bind entry %q, want \"src dst [ro|rw]\"", entry)
	}
	return BindMount{Source: src, Destination: dst, ReadOnly: mode == "ro"}, nil
}
