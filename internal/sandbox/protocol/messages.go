// Package protocol implements the framed messages exchanged over the
// forkserver control socket.
//
// A frame is a 4-byte little-endian length followed by that many bytes of
// CBOR. Descriptors travel separately as SCM_RIGHTS on a single dummy byte
// sent right after the frame that announces them. The socket is an unnamed
// socketpair; only the two processes that hold an end can speak on it.
package protocol

import (
	"workbench/internal/common/codec"
)

// Kind tags the body of a frame.
type Kind string

const (
	KindImportModules      Kind = "import_modules"
	KindSpawnRequest       Kind = "spawn_request"
	KindSpawnedChildHandle Kind = "spawned_child_handle"
	KindSpawnError         Kind = "spawn_error"
)

// Message is any value that can be framed on the control socket.
type Message interface {
	Kind() Kind
}

// ImportModules is the first message on a fresh control socket. Modules
// names preload hooks to run once in the forkserver; ChildMain names the
// entry every spawned child runs.
type ImportModules struct {
	Modules   []string `cbor:"modules"`
	ChildMain string   `cbor:"child_main"`
}

// SpawnRequest asks the forkserver for one sandboxed child.
type SpawnRequest struct {
	ProcessName   string             `cbor:"process_name"`
	Args          []codec.RawMessage `cbor:"args"`
	SandboxConfig SandboxConfig      `cbor:"sandbox_config"`
}

// SpawnedChildHandle answers a SpawnRequest. The child's stdin, stdout and
// stderr follow as descriptors, in that order.
type SpawnedChildHandle struct {
	Pid int `cbor:"pid"`
}

// SpawnError answers a SpawnRequest that failed before a child existed or
// after the child had to be killed. No descriptors follow. Pid is non-zero
// when a child was cloned and killed; the caller must reap it.
type SpawnError struct {
	Message string `cbor:"message"`
	Pid     int    `cbor:"pid,omitempty"`
}

func (ImportModules) Kind() Kind      { return KindImportModules }
func (SpawnRequest) Kind() Kind       { return KindSpawnRequest }
func (SpawnedChildHandle) Kind() Kind { return KindSpawnedChildHandle }
func (SpawnError) Kind() Kind         { return KindSpawnError }

type envelope struct {
	Kind Kind             `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

// EncodeArgs encodes each argument separately so the child can decode them
// into its own types.
func EncodeArgs(args ...any) ([]codec.RawMessage, error) {
	out := make([]codec.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := codec.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
