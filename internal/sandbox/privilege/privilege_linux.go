//go:build linux

package privilege

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CloneFlags are applied together to every sandboxed child. There is no code
// path that clones with a subset.
const CloneFlags uintptr = unix.CLONE_NEWNS |
	unix.CLONE_NEWCGROUP |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWUSER |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWNET |
	unix.CLONE_PARENT

// Securebits, see capabilities(7).
const (
	secbitNoRoot              = 1 << 0
	secbitNoRootLocked        = 1 << 1
	secbitNoSetuidFixupLocked = 1 << 3
	secbitKeepCapsLocked      = 1 << 5

	lockedSecureBits = secbitNoRoot | secbitNoRootLocked | secbitNoSetuidFixupLocked | secbitKeepCapsLocked
)

const (
	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1
	bpfMaxInstructions     = 4096
	sockFilterSize         = 8

	maxProcessNameBytes = 15
	capLastCapPath      = "/proc/sys/kernel/cap_last_cap"
)

type linuxProvider struct{}

// Linux returns the Provider backed by direct Linux syscalls.
func Linux() Provider {
	return linuxProvider{}
}

func (linuxProvider) SetProcessName(name string) error {
	if len(name) > maxProcessNameBytes {
		name = name[:maxProcessNameBytes]
	}
	buf := make([]byte, maxProcessNameBytes+1)
	copy(buf, name)
	return wrap("prctl(PR_SET_NAME)", unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0))
}

func (linuxProvider) SetNoNewPrivileges() error {
	return wrap("prctl(PR_SET_NO_NEW_PRIVS)", unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0))
}

// InstallSeccompFilter loads a compiled classic-BPF program. The program is
// the raw little-endian sock_filter array produced by the seccomp compiler.
func (linuxProvider) InstallSeccompFilter(program []byte) error {
	filters, err := DecodeFilter(program)
	if err != nil {
		return err
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		seccompSetModeFilter,
		seccompFilterFlagTsync,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return &OSError{Op: "seccomp(SECCOMP_SET_MODE_FILTER)", Errno: errno}
	}
	return nil
}

// DecodeFilter converts raw BPF bytes into sock_filter instructions.
func DecodeFilter(program []byte) ([]unix.SockFilter, error) {
	if len(program) == 0 || len(program)%sockFilterSize != 0 {
		return nil, fmt.Errorf("invalid seccomp program length %d", len(program))
	}
	if len(program)/sockFilterSize > bpfMaxInstructions {
		return nil, fmt.Errorf("seccomp program too long: %d instructions", len(program)/sockFilterSize)
	}
	filters := make([]unix.SockFilter, 0, len(program)/sockFilterSize)
	for off := 0; off < len(program); off += sockFilterSize {
		ins := program[off : off+sockFilterSize]
		filters = append(filters, unix.SockFilter{
			Code: binary.NativeEndian.Uint16(ins[0:2]),
			Jt:   ins[2],
			Jf:   ins[3],
			K:    binary.NativeEndian.Uint32(ins[4:8]),
		})
	}
	return filters, nil
}

func (linuxProvider) LockSecureBits() error {
	return wrap("prctl(PR_SET_SECUREBITS)", unix.Prctl(unix.PR_SET_SECUREBITS, lockedSecureBits, 0, 0, 0))
}

func (linuxProvider) DropBoundingCapabilities() error {
	last := lastCapability()
	for c := 0; c <= last; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			// Kernels older than the headers reject unknown capabilities.
			if err == unix.EINVAL {
				break
			}
			return wrap(fmt.Sprintf("prctl(PR_CAPBSET_DROP, %d)", c), err)
		}
	}
	return nil
}

func lastCapability() int {
	data, err := os.ReadFile(capLastCapPath)
	if err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			return v
		}
	}
	return unix.CAP_LAST_CAP
}

func (linuxProvider) DropEffectiveCapabilities() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	return wrap("capset", unix.Capset(&hdr, &data[0]))
}

// SetIdentity clears supplementary groups then switches gid and uid. Only the
// calling thread changes; callers lock their OS thread and re-exec.
func (linuxProvider) SetIdentity(uid, gid int) error {
	if err := unix.Setgroups(nil); err != nil {
		return wrap("setgroups", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return wrap("setresgid", err)
	}
	return wrap("setresuid", unix.Setresuid(uid, uid, uid))
}

// Clone starts path in fresh namespaces with CloneFlags. files becomes the
// child's descriptor table. The caller writes nothing to the child; the ID
// mappings are written by the runtime before the child execs.
func (linuxProvider) Clone(path string, argv, env []string, files []uintptr, ids IDMapping) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Cloneflags:                 CloneFlags,
			UidMappings:                ids.UIDs,
			GidMappings:                ids.GIDs,
			GidMappingsEnableSetgroups: ids.AllowSetgroups,
		},
	}
	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		return 0, wrap("clone", err)
	}
	return pid, nil
}
