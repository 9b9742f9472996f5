package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"workbench/internal/common/codec"
)

func TestReadMessageSequence(t *testing.T) {
	var buf bytes.Buffer
	args, err := EncodeArgs("hello", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("EncodeArgs() = %v", err)
	}
	req := SpawnRequest{
		ProcessName:   "render",
		Args:          args,
		SandboxConfig: SandboxConfig{SkipSandboxExcept: SkipAllExcept(FeatureSeccomp)},
	}
	if err := WriteMessage(&buf, ImportModules{Modules: []string{"seccomp"}, ChildMain: "hello"}); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}

	imports, err := Expect[ImportModules](&buf)
	if err != nil {
		t.Fatalf("Expect[ImportModules]() = %v", err)
	}
	if imports.ChildMain != "hello" || len(imports.Modules) != 1 {
		t.Fatalf("unexpected imports %+v", imports)
	}

	got, err := Expect[SpawnRequest](&buf)
	if err != nil {
		t.Fatalf("Expect[SpawnRequest]() = %v", err)
	}
	if got.ProcessName != "render" || len(got.Args) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	var first string
	if err := codec.Unmarshal(got.Args[0], &first); err != nil || first != "hello" {
		t.Fatalf("arg 0 = %q, %v", first, err)
	}
	if got.SandboxConfig.Enabled(FeatureChroot) || !got.SandboxConfig.Enabled(FeatureSeccomp) {
		t.Fatalf("allow-list not preserved: %+v", got.SandboxConfig)
	}

	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at frame boundary, got %v", err)
	}
}

func TestReadMessageErrors(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, SpawnedChildHandle{Pid: 42}); err != nil {
			t.Fatalf("WriteMessage() = %v", err)
		}
		return buf.Bytes()
	}

	unknown, _ := codec.Marshal(envelope{Kind: "launch_missiles", Body: []byte{0xa0}})
	unknownFrame := binary.LittleEndian.AppendUint32(nil, uint32(len(unknown)))
	unknownFrame = append(unknownFrame, unknown...)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated header", data: valid()[:2]},
		{name: "truncated body", data: valid()[:len(valid())-1]},
		{name: "zero length", data: []byte{0, 0, 0, 0}},
		{name: "oversized", data: binary.LittleEndian.AppendUint32(nil, MaxFrameSize+1)},
		{name: "garbage body", data: append(binary.LittleEndian.AppendUint32(nil, 3), 0xff, 0xff, 0xff)},
		{name: "unknown kind", data: unknownFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.data))
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ProtocolError, got %v", err)
			}
		})
	}
}

func TestExpectRejectsWrongKind(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, SpawnError{Message: "boom"}); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}
	_, err := Expect[SpawnedChildHandle](&buf)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestSandboxConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SandboxConfig
		wantErr bool
	}{
		{name: "all features need chroot dir", cfg: SandboxConfig{}, wantErr: true},
		{name: "all features", cfg: SandboxConfig{ChrootDir: "/srv/chroot"}},
		{name: "relative chroot", cfg: SandboxConfig{ChrootDir: "chroot"}, wantErr: true},
		{name: "skip everything", cfg: SandboxConfig{SkipSandboxExcept: SkipAllExcept()}},
		{name: "unknown feature", cfg: SandboxConfig{SkipSandboxExcept: SkipAllExcept("teleport")}, wantErr: true},
		{name: "default network", cfg: SandboxConfig{SkipSandboxExcept: SkipAllExcept(FeatureNetwork), Network: DefaultNetworkConfig()}},
		{
			name: "child outside subnet",
			cfg: SandboxConfig{
				SkipSandboxExcept: SkipAllExcept(FeatureNetwork),
				Network: &NetworkConfig{
					KernelVethName: "k0", ChildVethName: "c0",
					KernelIPv4: "10.0.0.1", ChildIPv4: "10.0.1.2", PrefixLen: 24,
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmptyAllowListSurvivesEncoding(t *testing.T) {
	var buf bytes.Buffer
	req := SpawnRequest{ProcessName: "x", SandboxConfig: SandboxConfig{SkipSandboxExcept: SkipAllExcept()}}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}
	got, err := Expect[SpawnRequest](&buf)
	if err != nil {
		t.Fatalf("Expect() = %v", err)
	}
	for _, f := range Features {
		if got.SandboxConfig.Enabled(f) {
			t.Fatalf("feature %s enabled after decoding an empty allow-list", f)
		}
	}
}
