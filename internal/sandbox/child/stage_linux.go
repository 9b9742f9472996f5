//go:build linux

package child

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"unsafe"

	"workbench/internal/common/codec"
	"workbench/internal/sandbox/clonefds"
	"workbench/internal/sandbox/entrypoint"
	"workbench/internal/sandbox/privilege"
	"workbench/internal/sandbox/protocol"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const closeRangeCloexec = 1 << 2

func init() {
	// Credential changes below apply to the calling thread only; keep the
	// sandbox stage on the main thread until it execs.
	if len(os.Args) > 1 && os.Args[1] == SandboxStageArg {
		runtime.LockOSThread()
	}
}

// RunSandboxStage confines the current process and re-executes it into the
// entry stage. It never returns.
func RunSandboxStage(p privilege.Provider) {
	if err := sandboxAndExec(p); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox setup failed: %v\n", err)
		os.Exit(ExitSandboxSetup)
	}
	// execveat only returns on failure.
	os.Exit(ExitSandboxSetup)
}

func sandboxAndExec(p privilege.Provider) error {
	// Nothing beyond the clone table may survive the next exec.
	if err := unix.CloseRange(clonefds.ChildFdCount, ^uint(0), closeRangeCloexec); err != nil {
		return fmt.Errorf("close_range: %w", err)
	}

	self, err := unix.Open("/proc/self/exe", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open own executable: %w", err)
	}

	stdio, raw, err := clonefds.BecomeChild().WaitForNamespaceReady()
	if err != nil {
		return err
	}
	payload, err := DecodePayload(raw)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := p.SetProcessName(payload.ProcessName); err != nil {
		return err
	}
	if err := stdio.ReplaceThisProcessStandardFds(); err != nil {
		return err
	}
	if err := stageCall(payload); err != nil {
		return err
	}
	if err := Confine(p, payload); err != nil {
		return err
	}
	argv := []string{os.Args[0], EntryStageArg}
	env := entryEnv(os.Environ(), payload.Sandbox.Enabled(protocol.FeatureChroot))
	return fmt.Errorf("execveat: %w", execveat(self, argv, env))
}

// execveat runs the binary open at fd. x/sys/unix only carries the syscall
// number.
func execveat(fd int, argv, env []string) error {
	path, err := syscall.BytePtrFromString("")
	if err != nil {
		return err
	}
	argvp, err := syscall.SlicePtrFromStrings(argv)
	if err != nil {
		return err
	}
	envp, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(unix.SYS_EXECVEAT,
		uintptr(fd),
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&argvp[0])),
		uintptr(unsafe.Pointer(&envp[0])),
		unix.AT_EMPTY_PATH, 0)
	return errno
}

// entryEnv is the environment the entry stage starts with. A configured
// TMPDIR names a host path, so after a chroot it points at the new /tmp.
// Nothing is added that was not configured.
func entryEnv(env []string, chrooted bool) []string {
	if !chrooted {
		return env
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			kv = "TMPDIR=/tmp"
		}
		out = append(out, kv)
	}
	return out
}

// stageCall writes the entry-stage call into an anonymous file on fd 3.
func stageCall(payload *Payload) error {
	data, err := codec.Marshal(entryCall{
		Entry:       payload.Entry,
		ProcessName: payload.ProcessName,
		Call:        payload.Call,
	})
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	fd, err := unix.MemfdCreate("workbench-call", 0)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	if fd != callFd {
		if err := unix.Dup3(fd, callFd, 0); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("dup3 call fd: %w", err)
		}
		_ = unix.Close(fd)
	}
	// Raw writes: an *os.File here could be finalized and close fd 3
	// before the exec.
	for len(data) > 0 {
		n, err := unix.Write(callFd, data)
		if err != nil {
			return fmt.Errorf("write call: %w", err)
		}
		data = data[n:]
	}
	if _, err := unix.Seek(callFd, 0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind call: %w", err)
	}
	return nil
}

// Confine applies the enabled sandbox features in an order where no step
// needs a privilege an earlier step dropped. Seccomp is always last.
func Confine(p privilege.Provider, payload *Payload) error {
	cfg := payload.Sandbox
	// Without a bridge the namespace keeps every interface down, lo included.
	if cfg.Network != nil && cfg.Enabled(protocol.FeatureNetwork) {
		if err := bringLoopbackUp(); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureChroot) {
		if err := chroot(cfg.ChrootDir); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureDropCapabilities) {
		if err := p.LockSecureBits(); err != nil {
			return err
		}
		if err := p.DropBoundingCapabilities(); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureSetuid) {
		if err := p.SetIdentity(payload.UID, payload.GID); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureDropCapabilities) {
		if err := p.DropEffectiveCapabilities(); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureNoNewPrivileges) {
		if err := p.SetNoNewPrivileges(); err != nil {
			return err
		}
	}
	if cfg.Enabled(protocol.FeatureSeccomp) {
		if len(payload.Seccomp) == 0 {
			return fmt.Errorf("seccomp enabled but no filter was compiled")
		}
		if err := p.InstallSeccompFilter(payload.Seccomp); err != nil {
			return err
		}
	}
	return nil
}

var bringLoopbackUp = loopbackUp

func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("set lo up: %w", err)
	}
	return nil
}

func chroot(dir string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount private: %w", err)
	}
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	return nil
}

// RunEntryStage reads the staged call and runs the entry function. It never
// returns: the process exits 0 on success and 1 on error or panic, with
// diagnostics on stderr.
func RunEntryStage(p privilege.Provider) {
	os.Exit(runEntry(p))
}

func runEntry(p privilege.Provider) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			code = ExitEntryFailed
		}
	}()

	f := os.NewFile(callFd, "call")
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read call: %v\n", err)
		return ExitEntryFailed
	}
	var ec entryCall
	if err := codec.Unmarshal(data, &ec); err != nil {
		fmt.Fprintf(os.Stderr, "decode call: %v\n", err)
		return ExitEntryFailed
	}
	// exec reset the name to the fd number.
	_ = p.SetProcessName(ec.ProcessName)

	fn, ok := entrypoint.Lookup(ec.Entry)
	if !ok {
		fmt.Fprintf(os.Stderr, "entry %q is not registered\n", ec.Entry)
		return ExitEntryFailed
	}
	call := &entrypoint.Call{
		ProcessName: ec.ProcessName,
		Args:        ec.Call.Args,
		Preloaded:   ec.Call.Preloaded,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}

	if err := fn(context.Background(), call); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", call.ProcessName, err)
		return ExitEntryFailed
	}
	return ExitOK
}
