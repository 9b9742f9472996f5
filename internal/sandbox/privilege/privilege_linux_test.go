//go:build linux

package privilege

import (
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOSErrorCarriesErrno(t *testing.T) {
	err := wrap("setresuid", unix.EPERM)

	var osErr *OSError
	if !errors.As(err, &osErr) {
		t.Fatalf("expected *OSError, got %T", err)
	}
	if osErr.Errno != unix.EPERM {
		t.Fatalf("errno = %v", osErr.Errno)
	}
	if !errors.Is(err, unix.EPERM) {
		t.Fatal("errors.Is should match the errno")
	}
	if !strings.Contains(err.Error(), "errno 1") || !strings.Contains(err.Error(), "setresuid") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if wrap("noop", nil) != nil {
		t.Fatal("wrap(nil) should be nil")
	}
}

func TestDecodeFilter(t *testing.T) {
	raw := make([]byte, 16)
	binary.NativeEndian.PutUint16(raw[0:2], unix.BPF_LD|unix.BPF_W|unix.BPF_ABS)
	binary.NativeEndian.PutUint32(raw[4:8], 4)
	binary.NativeEndian.PutUint16(raw[8:10], unix.BPF_RET|unix.BPF_K)
	raw[10], raw[11] = 1, 2
	binary.NativeEndian.PutUint32(raw[12:16], 0x7fff0000)

	filters, err := DecodeFilter(raw)
	if err != nil {
		t.Fatalf("DecodeFilter() = %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("len = %d", len(filters))
	}
	if filters[0].K != 4 || filters[1].K != 0x7fff0000 || filters[1].Jt != 1 || filters[1].Jf != 2 {
		t.Fatalf("unexpected instructions %+v", filters)
	}

	for _, bad := range [][]byte{nil, make([]byte, 7), make([]byte, 8*(bpfMaxInstructions+1))} {
		if _, err := DecodeFilter(bad); err == nil {
			t.Fatalf("expected error for length %d", len(bad))
		}
	}
}

func TestCloneFlagsIncludeEveryNamespace(t *testing.T) {
	for _, flag := range []uintptr{
		unix.CLONE_NEWNS, unix.CLONE_NEWCGROUP, unix.CLONE_NEWUTS, unix.CLONE_NEWIPC,
		unix.CLONE_NEWUSER, unix.CLONE_NEWPID, unix.CLONE_NEWNET, unix.CLONE_PARENT,
	} {
		if CloneFlags&flag == 0 {
			t.Fatalf("flag %#x missing", flag)
		}
	}
}

func TestSetIdentityReportsSetgroupsFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may clear its groups")
	}
	// Keeping our own ids would succeed; only clearing the groups is refused.
	err := Linux().SetIdentity(os.Getuid(), os.Getgid())
	var osErr *OSError
	if !errors.As(err, &osErr) || osErr.Op != "setgroups" {
		t.Fatalf("SetIdentity() = %v, want setgroups failure", err)
	}
	if !errors.Is(err, unix.EPERM) {
		t.Fatalf("SetIdentity() = %v, want EPERM", err)
	}
}
