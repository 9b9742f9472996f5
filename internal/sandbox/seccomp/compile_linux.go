//go:build linux && cgo

package seccomp

import (
	"fmt"
	"io"
	"os"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Compile builds the profile for the native architecture and returns the
// raw BPF program. Syscall names unknown to this architecture are skipped.
func (p *Profile) Compile() ([]byte, error) {
	defaultAction, err := ParseAction(p.DefaultAction, nil)
	if err != nil {
		return nil, err
	}
	filter, err := libseccomp.NewFilter(toScmp(defaultAction))
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	// The child sets no_new_privs itself as a separate, skippable step.
	if err := filter.SetNoNewPrivsBit(false); err != nil {
		return nil, fmt.Errorf("configure seccomp filter: %w", err)
	}

	for _, rule := range p.Syscalls {
		action, err := ParseAction(rule.Action, rule.ErrnoRet)
		if err != nil {
			return nil, err
		}
		if action == defaultAction {
			continue
		}
		for _, name := range rule.Names {
			call, err := libseccomp.GetSyscallFromName(name)
			if err != nil {
				continue
			}
			if err := filter.AddRuleExact(call, toScmp(action)); err != nil {
				return nil, fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	return exportBPF(filter)
}

func exportBPF(filter *libseccomp.ScmpFilter) ([]byte, error) {
	fd, err := unix.MemfdCreate("seccomp-bpf", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "seccomp-bpf")
	defer f.Close()

	if err := filter.ExportBPF(f); err != nil {
		return nil, fmt.Errorf("export seccomp filter: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind seccomp program: %w", err)
	}
	return io.ReadAll(f)
}

func toScmp(a Action) libseccomp.ScmpAction {
	switch a.Kind {
	case ActionAllow:
		return libseccomp.ActAllow
	case ActionErrno:
		return libseccomp.ActErrno.SetReturnCode(int16(a.Errno))
	case ActionKillThread:
		return libseccomp.ActKillThread
	case ActionTrap:
		return libseccomp.ActTrap
	case ActionLog:
		return libseccomp.ActLog
	default:
		return libseccomp.ActKillProcess
	}
}
