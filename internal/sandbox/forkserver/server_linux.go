//go:build linux

// Package forkserver serves spawn requests for one caller over an inherited
// control socket, cloning each child into fresh namespaces.
package forkserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"workbench/internal/sandbox/child"
	"workbench/internal/sandbox/clonefds"
	"workbench/internal/sandbox/entrypoint"
	"workbench/internal/sandbox/privilege"
	"workbench/internal/sandbox/protocol"
	"workbench/internal/sandbox/seccomp"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
)

// SeccompModule is the preload name accepted for the built-in filter. The
// filter is compiled whether or not it is imported.
const SeccompModule = "seccomp"

// NetworkAttacher bridges a child's network namespace from outside it.
type NetworkAttacher interface {
	Attach(ctx context.Context, pid int, cfg *protocol.NetworkConfig) error
}

// Options configure a Server.
type Options struct {
	// Executable is cloned for every child. Defaults to /proc/self/exe.
	Executable string
	// Environment is given to every child. Defaults to os.Environ().
	Environment []string
	ChildUID    int
	ChildGID    int
	// SubIDBase, when non-zero, is the first host id of the range mapped
	// into a child's user namespace. Zero maps only namespace root to the
	// forkserver's own ids, which cannot support setuid.
	SubIDBase      int
	SubIDCount     int
	SeccompProfile string
	Provider       privilege.Provider
	Network        NetworkAttacher
}

func (o *Options) withDefaults() {
	if o.Executable == "" {
		o.Executable = "/proc/self/exe"
	}
	if o.Environment == nil {
		o.Environment = os.Environ()
	}
	if o.ChildUID == 0 {
		o.ChildUID = 1000
	}
	if o.ChildGID == 0 {
		o.ChildGID = 1000
	}
	if o.SubIDCount == 0 {
		o.SubIDCount = 65536
	}
	if o.Provider == nil {
		o.Provider = privilege.Linux()
	}
}

// Server is a forkserver bound to one control socket.
type Server struct {
	opts      Options
	conn      *net.UnixConn
	state     State
	childMain string
	preloaded map[string][]byte
	filter    []byte
	devNull   *os.File
}

// NewServer prepares a forkserver on conn.
func NewServer(conn *net.UnixConn, opts Options) (*Server, error) {
	opts.withDefaults()
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	return &Server{
		opts:      opts,
		conn:      conn,
		state:     StateStarting,
		preloaded: map[string][]byte{},
		devNull:   devNull,
	}, nil
}

// State reports the current serve-loop state.
func (s *Server) State() State {
	return s.state
}

// Serve runs until the caller closes the socket (nil) or the socket breaks
// or desynchronises (non-nil). It is single-threaded: one request at a time.
func (s *Server) Serve(ctx context.Context) error {
	defer s.devNull.Close()

	s.state = StateAwaitingImports
	imports, err := protocol.Expect[protocol.ImportModules](s.conn)
	if errors.Is(err, io.EOF) {
		s.state = StateShuttingDown
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.importModules(ctx, imports); err != nil {
		return err
	}

	for {
		s.state = StateIdle
		req, err := protocol.Expect[protocol.SpawnRequest](s.conn)
		if errors.Is(err, io.EOF) {
			s.state = StateShuttingDown
			logger.Info(ctx, "control socket closed, forkserver shutting down")
			return nil
		}
		if err != nil {
			return err
		}

		s.state = StateSpawningChild
		if err := s.handleSpawn(ctx, req); err != nil {
			return err
		}
	}
}

func (s *Server) importModules(ctx context.Context, msg protocol.ImportModules) error {
	if _, ok := entrypoint.Lookup(msg.ChildMain); !ok {
		return fmt.Errorf("child main %q is not registered", msg.ChildMain)
	}
	s.childMain = msg.ChildMain

	for _, name := range msg.Modules {
		if name == SeccompModule {
			continue
		}
		preload, ok := entrypoint.LookupPreload(name)
		if !ok {
			return fmt.Errorf("module %q is not registered", name)
		}
		data, err := preload(ctx)
		if err != nil {
			return fmt.Errorf("preload %s: %w", name, err)
		}
		s.preloaded[name] = data
		logger.Info(ctx, "module preloaded", zap.String("module", name), zap.Int("bytes", len(data)))
	}

	profile, err := seccomp.LoadProfile(s.opts.SeccompProfile)
	if err != nil {
		return err
	}
	filter, err := profile.Compile()
	if err != nil {
		// Children requesting seccomp will be refused.
		logger.Warn(ctx, "seccomp filter unavailable", zap.Error(err))
		return nil
	}
	s.filter = filter
	return nil
}

// handleSpawn answers one SpawnRequest. Spawn failures are reported to the
// caller; only socket failures are returned.
func (s *Server) handleSpawn(ctx context.Context, req protocol.SpawnRequest) error {
	pid, caller, err := s.spawn(ctx, req)
	if err != nil {
		logger.Warn(ctx, "spawn failed",
			zap.String("process", req.ProcessName),
			zap.Int("pid", pid),
			zap.Error(err),
		)
		return protocol.WriteMessage(s.conn, protocol.SpawnError{Message: err.Error(), Pid: pid})
	}
	defer caller.Close()

	if err := protocol.WriteMessage(s.conn, protocol.SpawnedChildHandle{Pid: pid}); err != nil {
		return err
	}
	if err := protocol.SendFds(s.conn, caller.Stdin, caller.Stdout, caller.Stderr); err != nil {
		return err
	}
	logger.Debug(ctx, "child spawned", zap.String("process", req.ProcessName), zap.Int("pid", pid))
	return nil
}

// spawn clones one child and completes the readiness handshake. A non-zero
// pid with an error means the child existed and was killed; the caller is
// its parent and must reap it.
func (s *Server) spawn(ctx context.Context, req protocol.SpawnRequest) (int, *clonefds.CallerFds, error) {
	cfg := req.SandboxConfig
	if err := cfg.Validate(); err != nil {
		return 0, nil, err
	}
	ids, err := s.idMapping(cfg)
	if err != nil {
		return 0, nil, err
	}
	if cfg.Enabled(protocol.FeatureSeccomp) && len(s.filter) == 0 {
		return 0, nil, fmt.Errorf("seccomp requested but no filter is compiled")
	}

	payload, err := child.EncodePayload(&child.Payload{
		Entry:       s.childMain,
		ProcessName: req.ProcessName,
		Sandbox:     cfg,
		UID:         s.opts.ChildUID,
		GID:         s.opts.ChildGID,
		Seccomp:     s.filter,
		Call:        child.Call{Args: req.Args, Preloaded: s.preloaded},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	fds, err := clonefds.Create()
	if err != nil {
		return 0, nil, err
	}
	argv := []string{req.ProcessName, child.SandboxStageArg}
	pid, err := s.opts.Provider.Clone(s.opts.Executable, argv, s.opts.Environment, fds.ChildFiles(s.devNull), ids)
	if err != nil {
		fds.Close()
		return 0, nil, err
	}

	fsFds := fds.BecomeForkserver()
	if cfg.Network != nil && cfg.Enabled(protocol.FeatureNetwork) {
		if s.opts.Network == nil {
			fsFds.Close()
			return pid, nil, killChild(pid, fmt.Errorf("network requested but bridging is not configured"))
		}
		if err := s.opts.Network.Attach(ctx, pid, cfg.Network); err != nil {
			fsFds.Close()
			return pid, nil, killChild(pid, err)
		}
	}

	caller, err := fsFds.SignalNamespaceIsReady(payload)
	if err != nil {
		fsFds.Close()
		return pid, nil, killChild(pid, err)
	}
	return pid, caller, nil
}

func killChild(pid int, cause error) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("%w (kill %d: %v)", cause, pid, err)
	}
	return cause
}

func (s *Server) idMapping(cfg protocol.SandboxConfig) (privilege.IDMapping, error) {
	if s.opts.SubIDBase > 0 {
		if s.opts.ChildUID >= s.opts.SubIDCount || s.opts.ChildGID >= s.opts.SubIDCount {
			return privilege.IDMapping{}, fmt.Errorf("child id %d:%d outside mapped range of %d",
				s.opts.ChildUID, s.opts.ChildGID, s.opts.SubIDCount)
		}
		return privilege.IDMapping{
			UIDs:           []syscall.SysProcIDMap{{ContainerID: 0, HostID: s.opts.SubIDBase, Size: s.opts.SubIDCount}},
			GIDs:           []syscall.SysProcIDMap{{ContainerID: 0, HostID: s.opts.SubIDBase, Size: s.opts.SubIDCount}},
			AllowSetgroups: true,
		}, nil
	}
	if cfg.Enabled(protocol.FeatureSetuid) {
		return privilege.IDMapping{}, fmt.Errorf("setuid needs a subordinate id range")
	}
	return privilege.IDMapping{
		UIDs: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GIDs: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}, nil
}
