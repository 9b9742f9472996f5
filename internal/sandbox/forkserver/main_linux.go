//go:build linux

package forkserver

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"workbench/internal/sandbox/child"
	"workbench/internal/sandbox/network"
	"workbench/internal/sandbox/privilege"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
)

// StageArg selects the forkserver stage through argv[1].
const StageArg = "--workbench-stage=forkserver"

// controlFd is where the supervisor places its end of the control socket.
const controlFd = 3

// Dispatch runs the stage named by argv[1], if any, and exits. It returns
// false when the process was started without a stage argument. Binaries
// that embed the forkserver call it first thing in main.
func Dispatch() bool {
	if len(os.Args) < 2 {
		return false
	}
	switch os.Args[1] {
	case StageArg:
		os.Exit(runForkserver(os.Args[2:]))
	case child.SandboxStageArg:
		child.RunSandboxStage(privilege.Linux())
	case child.EntryStageArg:
		child.RunEntryStage(privilege.Linux())
	}
	return false
}

// Main is the main function of a kernel binary: it runs the requested stage
// and defaults to serving as a forkserver.
func Main() {
	if Dispatch() {
		return
	}
	os.Exit(runForkserver(os.Args[1:]))
}

func runForkserver(args []string) int {
	fs := flag.NewFlagSet("forkserver", flag.ContinueOnError)
	opts := Options{}
	logCfg := logger.Config{OutputPath: "stderr", ErrorPath: "stderr"}
	fs.StringVar(&opts.SeccompProfile, "seccomp-profile", "", "seccomp profile JSON, empty for the built-in one")
	fs.IntVar(&opts.ChildUID, "child-uid", 1000, "uid children run as after setuid")
	fs.IntVar(&opts.ChildGID, "child-gid", 1000, "gid children run as after setuid")
	fs.IntVar(&opts.SubIDBase, "subid-base", 0, "first host id mapped into child user namespaces")
	fs.IntVar(&opts.SubIDCount, "subid-count", 65536, "number of host ids mapped")
	fs.StringVar(&logCfg.Level, "log-level", "info", "log level")
	fs.StringVar(&logCfg.Format, "log-format", "json", "log format, json or console")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx := context.Background()
	conn, err := adoptControlSocket()
	if err != nil {
		logger.Error(ctx, "failed to adopt control socket", zap.Error(err))
		return 1
	}
	defer conn.Close()

	bridge, err := network.NewBridge()
	if err != nil {
		// Spawns asking for a network will fail.
		logger.Warn(ctx, "network bridging unavailable", zap.Error(err))
	} else {
		opts.Network = bridge
	}

	server, err := NewServer(conn, opts)
	if err != nil {
		logger.Error(ctx, "failed to create forkserver", zap.Error(err))
		return 1
	}
	logger.Info(ctx, "forkserver started", zap.Int("pid", os.Getpid()))
	if err := server.Serve(ctx); err != nil {
		logger.Error(ctx, "forkserver stopped",
			zap.String("state", server.State().String()),
			zap.Error(err),
		)
		return 1
	}
	return 0
}

func adoptControlSocket() (*net.UnixConn, error) {
	f := os.NewFile(controlFd, "control")
	if f == nil {
		return nil, fmt.Errorf("fd %d is not open", controlFd)
	}
	// FileConn dups the descriptor; drop the original so fd 3 is free and
	// never leaks into a clone.
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("fd %d: %w", controlFd, err)
	}
	conn, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("fd %d is not a unix socket", controlFd)
	}
	return conn, nil
}
