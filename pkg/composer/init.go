package composer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/nsmgr"
	"github.com/cuemby/portod/pkg/rlimit"
	"golang.org/x/sys/unix"
)

// capabilityNumbers maps the lowercase names accepted by the capabilities
// property (spec §4.8) to their kernel cap numbers, for the bounding-set
// drop RunInit performs. Only capabilities present here can be granted;
// anything else in a Plan's Caps list is rejected before exec.
var capabilityNumbers = map[string]int{
	"chown":            unix.CAP_CHOWN,
	"dac_override":     unix.CAP_DAC_OVERRIDE,
	"dac_read_search":  unix.CAP_DAC_READ_SEARCH,
	"fowner":           unix.CAP_FOWNER,
	"fsetid":           unix.CAP_FSETID,
	"kill":             unix.CAP_KILL,
	"setgid":           unix.CAP_SETGID,
	"setuid":           unix.CAP_SETUID,
	"setpcap":          unix.CAP_SETPCAP,
	"net_bind_service": unix.CAP_NET_BIND_SERVICE,
	"net_admin":        unix.CAP_NET_ADMIN,
	"net_raw":          unix.CAP_NET_RAW,
	"ipc_lock":         unix.CAP_IPC_LOCK,
	"sys_chroot":       unix.CAP_SYS_CHROOT,
	"sys_ptrace":       unix.CAP_SYS_PTRACE,
	"sys_admin":        unix.CAP_SYS_ADMIN,
	"sys_resource":     unix.CAP_SYS_RESOURCE,
	"mknod":            unix.CAP_MKNOD,
	"audit_write":      unix.CAP_AUDIT_WRITE,
}

// RunInit is cmd/portod's entire __nsinit mode (spec §4.3 steps 4-8): read
// the InitSpec the parent wrote to fd 3, apply the mount/rlimit/capability/
// credential/stdio setup the parent could not do on the child's behalf
// from outside its namespaces, then execve the real command. It never
// returns on success, since syscall.Exec replaces the process image.
func RunInit() error {
	spec, err := readInitSpec()
	if err != nil {
		return err
	}

	if spec.NSPlan != nil {
		if err := nsmgr.ApplyRoot(spec.NSPlan); err != nil {
			return errors.Wrap(errors.Unknown, err, "apply namespace plan")
		}
	}

	if err := rlimit.Apply(spec.Limits); err != nil {
		return err
	}

	if err := dropCapabilities(spec.Caps); err != nil {
		return err
	}

	if err := applyStdio(spec); err != nil {
		return err
	}

	if err := applyCredentials(spec); err != nil {
		return err
	}

	if spec.Cwd != "" {
		if err := os.Chdir(spec.Cwd); err != nil {
			return errors.Wrap(errors.InvalidPath, err, "chdir to %s", spec.Cwd)
		}
	}

	if len(spec.Command) == 0 {
		return errors.New(errors.InvalidCommand, "init spec has no command")
	}
	argv0, err := lookPath(spec.Command[0])
	if err != nil {
		return errors.Wrap(errors.InvalidCommand, err, "resolve command %q", spec.Command[0])
	}

	return syscall.Exec(argv0, spec.Command, spec.Env)
}

// readInitSpec reads the JSON-encoded InitSpec the parent wrote to
// initSpecFD (fd 3, cmd.ExtraFiles[0] in the parent's exec.Cmd).
func readInitSpec() (InitSpec, error) {
	f := os.NewFile(uintptr(initSpecFD), "initspec")
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return InitSpec{}, errors.Wrap(errors.Unknown, err, "read init spec from fd %d", initSpecFD)
	}
	var spec InitSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return InitSpec{}, errors.Wrap(errors.Unknown, err, "unmarshal init spec")
	}
	return spec, nil
}

// dropCapabilities removes every bounding-set capability not named in
// allowed, so the exec'd task can never regain them via setuid binaries.
func dropCapabilities(allowed []string) error {
	keep := make(map[int]bool, len(allowed))
	for _, name := range allowed {
		num, ok := capabilityNumbers[strings.ToLower(name)]
		if !ok {
			return errors.New(errors.InvalidValue, "unknown capability %q", name)
		}
		keep[num] = true
	}
	for num := 0; num <= unix.CAP_LAST_CAP; num++ {
		if keep[num] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(num), 0, 0, 0); err != nil {
			return errors.Wrap(errors.Unknown, err, "drop capability %d from bounding set", num)
		}
	}
	return nil
}

// applyStdio redirects fds 0/1/2 to the paths in spec, if set; an empty
// path leaves the inherited descriptor untouched (Composer starts the init
// process with no stdio of its own, so that descriptor is the null device).
func applyStdio(spec InitSpec) error {
	redirect := func(fd int, path string, flags int) error {
		if path == "" {
			return nil
		}
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			return errors.Wrap(errors.InvalidPath, err, "open stdio path %s", path)
		}
		defer f.Close()
		return unix.Dup2(int(f.Fd()), fd)
	}

	if err := redirect(0, spec.StdinPath, os.O_RDONLY); err != nil {
		return err
	}
	if err := redirect(1, spec.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND); err != nil {
		return err
	}
	if err := redirect(2, spec.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND); err != nil {
		return err
	}
	return nil
}

// applyCredentials drops to the task's configured uid/gid/supplementary
// groups. Order matters: groups and gid must be set before uid, or the
// process loses the privilege to change them.
func applyCredentials(spec InitSpec) error {
	if spec.UID == 0 && spec.GID == 0 && len(spec.Groups) == 0 {
		return nil
	}
	groups := make([]int, len(spec.Groups))
	for i, g := range spec.Groups {
		groups[i] = int(g)
	}
	if err := unix.Setgroups(groups); err != nil {
		return errors.Wrap(errors.Unknown, err, "setgroups")
	}
	if spec.GID != 0 {
		if err := unix.Setresgid(int(spec.GID), int(spec.GID), int(spec.GID)); err != nil {
			return errors.Wrap(errors.Unknown, err, "setresgid to %d", spec.GID)
		}
	}
	if spec.UID != 0 {
		if err := unix.Setresuid(int(spec.UID), int(spec.UID), int(spec.UID)); err != nil {
			return errors.Wrap(errors.Unknown, err, "setresuid to %d", spec.UID)
		}
	}
	return nil
}

// lookPath resolves command against PATH if it isn't already absolute,
// matching the shell semantics users expect from a bare "command" property.
func lookPath(command string) (string, error) {
	if strings.Contains(command, "/") {
		return command, nil
	}
	for _, dir := range strings.Split(os.Getenv("PATH"), ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + command
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%q not found in PATH", command)
}
