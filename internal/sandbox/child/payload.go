// Package child runs inside a freshly cloned process. It applies the
// sandbox to itself and then runs the requested entry function.
//
// A child goes through two stages, both in the kernel binary:
//
//	sandbox stage: wait for the forkserver, remap stdio, drop privileges,
//	               install seccomp, then execveat itself
//	entry stage:   read the call from fd 3 and run the registered entry
//
// The re-exec makes every runtime thread start from the final, sandboxed
// credentials; Go cannot confine threads it has already started.
package child

import (
	"workbench/internal/common/codec"
	"workbench/internal/sandbox/protocol"
)

// Stage arguments select the child stages through argv[1]. The environment
// is never used for this so a child's environment stays exactly the one the
// caller configured.
const (
	SandboxStageArg = "--workbench-stage=child"
	EntryStageArg   = "--workbench-stage=entry"
)

// Exit codes of a child process.
const (
	ExitOK           = 0
	ExitEntryFailed  = 1
	ExitSandboxSetup = 125
)

// callFd is where the sandbox stage leaves the encoded Call for the entry stage.
const callFd = 3

// Payload is everything the forkserver hands one child over the sync pipe.
// It is built per spawn and nothing else from the forkserver reaches the child.
type Payload struct {
	Entry       string                 `cbor:"entry"`
	ProcessName string                 `cbor:"process_name"`
	Sandbox     protocol.SandboxConfig `cbor:"sandbox"`
	UID         int                    `cbor:"uid"`
	GID         int                    `cbor:"gid"`
	Seccomp     []byte                 `cbor:"seccomp"`
	Call        Call                   `cbor:"call"`
}

// Call is the part of the payload that survives into the entry stage.
type Call struct {
	Args      []codec.RawMessage `cbor:"args"`
	Preloaded map[string][]byte  `cbor:"preloaded"`
}

// EncodePayload serialises p for the sync pipe.
func EncodePayload(p *Payload) ([]byte, error) {
	return codec.Marshal(p)
}

// DecodePayload parses the sync pipe contents.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type entryCall struct {
	Entry       string `cbor:"entry"`
	ProcessName string `cbor:"process_name"`
	Call        Call   `cbor:"call"`
}
