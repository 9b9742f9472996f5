//go:build linux

package child

import (
	"errors"
	"reflect"
	"testing"

	"workbench/internal/sandbox/privilege"
	"workbench/internal/sandbox/protocol"

	"golang.org/x/sys/unix"
)

type recordingProvider struct {
	calls []string
	uid   int
	gid   int
}

func (r *recordingProvider) SetProcessName(name string) error {
	r.calls = append(r.calls, "name")
	return nil
}
func (r *recordingProvider) SetNoNewPrivileges() error {
	r.calls = append(r.calls, "no_new_privs")
	return nil
}
func (r *recordingProvider) InstallSeccompFilter(program []byte) error {
	r.calls = append(r.calls, "seccomp")
	return nil
}
func (r *recordingProvider) LockSecureBits() error {
	r.calls = append(r.calls, "securebits")
	return nil
}
func (r *recordingProvider) DropBoundingCapabilities() error {
	r.calls = append(r.calls, "bounding")
	return nil
}
func (r *recordingProvider) DropEffectiveCapabilities() error {
	r.calls = append(r.calls, "effective")
	return nil
}
func (r *recordingProvider) SetIdentity(uid, gid int) error {
	r.calls = append(r.calls, "identity")
	r.uid, r.gid = uid, gid
	return nil
}
func (r *recordingProvider) Clone(string, []string, []string, []uintptr, privilege.IDMapping) (int, error) {
	r.calls = append(r.calls, "clone")
	return 0, nil
}

func TestConfineOrder(t *testing.T) {
	p := &recordingProvider{}
	payload := &Payload{
		Sandbox: protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept(
			protocol.FeatureDropCapabilities,
			protocol.FeatureSetuid,
			protocol.FeatureNoNewPrivileges,
			protocol.FeatureSeccomp,
		)},
		UID:     1000,
		GID:     1000,
		Seccomp: make([]byte, 8),
	}
	if err := Confine(p, payload); err != nil {
		t.Fatalf("Confine() = %v", err)
	}
	want := []string{"securebits", "bounding", "identity", "effective", "no_new_privs", "seccomp"}
	if !reflect.DeepEqual(p.calls, want) {
		t.Fatalf("calls = %v, want %v", p.calls, want)
	}
	if p.uid != 1000 || p.gid != 1000 {
		t.Fatalf("identity = %d:%d", p.uid, p.gid)
	}
}

func TestConfineSkipsDisabledFeatures(t *testing.T) {
	p := &recordingProvider{}
	payload := &Payload{Sandbox: protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept()}}
	if err := Confine(p, payload); err != nil {
		t.Fatalf("Confine() = %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("unexpected calls %v", p.calls)
	}
}

func TestConfineRequiresCompiledSeccomp(t *testing.T) {
	p := &recordingProvider{}
	payload := &Payload{Sandbox: protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept(protocol.FeatureSeccomp)}}
	if err := Confine(p, payload); err == nil {
		t.Fatal("expected error without a compiled filter")
	}
}

func TestConfineBringsLoopbackUpOnlyWithBridge(t *testing.T) {
	prev := bringLoopbackUp
	defer func() { bringLoopbackUp = prev }()
	ups := 0
	bringLoopbackUp = func() error { ups++; return nil }

	tests := []struct {
		name    string
		sandbox protocol.SandboxConfig
		want    int
	}{
		{
			name:    "network allowed without config",
			sandbox: protocol.SandboxConfig{SkipSandboxExcept: protocol.SkipAllExcept(protocol.FeatureNetwork)},
			want:    0,
		},
		{
			name: "network config but feature skipped",
			sandbox: protocol.SandboxConfig{
				SkipSandboxExcept: protocol.SkipAllExcept(),
				Network:           protocol.DefaultNetworkConfig(),
			},
			want: 0,
		},
		{
			name: "bridged",
			sandbox: protocol.SandboxConfig{
				SkipSandboxExcept: protocol.SkipAllExcept(protocol.FeatureNetwork),
				Network:           protocol.DefaultNetworkConfig(),
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ups = 0
			if err := Confine(&recordingProvider{}, &Payload{Sandbox: tt.sandbox}); err != nil {
				t.Fatalf("Confine() = %v", err)
			}
			if ups != tt.want {
				t.Fatalf("loopback brought up %d times, want %d", ups, tt.want)
			}
		})
	}
}

func TestEntryEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      []string
		chrooted bool
		want     []string
	}{
		{"no chroot keeps TMPDIR", []string{"PATH=/bin", "TMPDIR=/var/tmp"}, false, []string{"PATH=/bin", "TMPDIR=/var/tmp"}},
		{"chroot rebases TMPDIR", []string{"PATH=/bin", "TMPDIR=/var/tmp"}, true, []string{"PATH=/bin", "TMPDIR=/tmp"}},
		{"chroot never adds TMPDIR", []string{"PATH=/bin"}, true, []string{"PATH=/bin"}},
		{"empty", []string{}, true, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryEnv(tt.env, tt.chrooted); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("entryEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecveatReportsErrors(t *testing.T) {
	err := execveat(-1, []string{"entry", EntryStageArg}, []string{"PATH=/bin"})
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("execveat(-1) = %v, want EBADF", err)
	}
}
