// Package privilege wraps the Linux primitives used to build a sandboxed
// child: namespaces, securebits, capability sets, no_new_privs and seccomp.
//
// Every call is a direct syscall; nothing is resolved dynamically at run
// time. Failures are reported as *OSError carrying the errno.
package privilege

import (
	"errors"
	"fmt"
	"syscall"
)

// Provider is the narrow set of privilege operations the forkserver and its
// children use. Linux() returns the only real implementation.
type Provider interface {
	SetProcessName(name string) error
	SetNoNewPrivileges() error
	InstallSeccompFilter(program []byte) error
	LockSecureBits() error
	DropBoundingCapabilities() error
	DropEffectiveCapabilities() error
	SetIdentity(uid, gid int) error
	Clone(path string, argv, env []string, files []uintptr, ids IDMapping) (int, error)
}

// IDMapping describes the user namespace mapping written for a cloned child.
type IDMapping struct {
	UIDs []syscall.SysProcIDMap
	GIDs []syscall.SysProcIDMap
	// AllowSetgroups must be false for unprivileged single-id mappings.
	AllowSetgroups bool
}

// OSError is a failed privilege primitive.
type OSError struct {
	Op    string
	Errno syscall.Errno
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%s: errno %d: %s", e.Op, int(e.Errno), e.Errno.Error())
}

func (e *OSError) Unwrap() error {
	return e.Errno
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &OSError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}
