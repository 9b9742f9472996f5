// Package seccomp turns a JSON syscall profile into a classic-BPF program
// that sandboxed children install on themselves.
package seccomp

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed default_profile.json
var defaultProfile []byte

// Profile is the on-disk syscall policy.
type Profile struct {
	DefaultAction string `json:"defaultAction"`
	Syscalls      []Rule `json:"syscalls"`
}

// Rule applies one action to a group of syscalls.
type Rule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
	// ErrnoRet is the errno returned by SCMP_ACT_ERRNO; EPERM when unset.
	ErrnoRet *int `json:"errnoRet,omitempty"`
}

// Action is a parsed profile action.
type Action struct {
	Kind  ActionKind
	Errno int
}

// ActionKind enumerates the supported profile actions.
type ActionKind int

const (
	ActionAllow ActionKind = iota
	ActionErrno
	ActionKillProcess
	ActionKillThread
	ActionTrap
	ActionLog
)

const defaultErrno = 1 // EPERM

// DefaultProfile returns the built-in profile.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfile)
	if err != nil {
		panic("seccomp: built-in profile is invalid: " + err.Error())
	}
	return p
}

// LoadProfile reads a profile from path, or returns the built-in one when
// path is empty.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a JSON profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse seccomp profile: %w", err)
	}
	if _, err := ParseAction(p.DefaultAction, nil); err != nil {
		return nil, err
	}
	for i, rule := range p.Syscalls {
		if len(rule.Names) == 0 {
			return nil, fmt.Errorf("seccomp rule %d has no syscall names", i)
		}
		if _, err := ParseAction(rule.Action, rule.ErrnoRet); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// ParseAction maps a profile action name to an Action.
func ParseAction(action string, errnoRet *int) (Action, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return Action{Kind: ActionAllow}, nil
	case "SCMP_ACT_ERRNO":
		errno := defaultErrno
		if errnoRet != nil {
			errno = *errnoRet
		}
		if errno <= 0 || errno > 4095 {
			return Action{}, fmt.Errorf("invalid seccomp errno %d", errno)
		}
		return Action{Kind: ActionErrno, Errno: errno}, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return Action{Kind: ActionKillProcess}, nil
	case "SCMP_ACT_KILL_THREAD":
		return Action{Kind: ActionKillThread}, nil
	case "SCMP_ACT_TRAP":
		return Action{Kind: ActionTrap}, nil
	case "SCMP_ACT_LOG":
		return Action{Kind: ActionLog}, nil
	default:
		return Action{}, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
