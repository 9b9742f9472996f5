//go:build linux

// Package supervisor starts a forkserver and asks it for sandboxed children.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"workbench/internal/sandbox/forkserver"
	"workbench/internal/sandbox/protocol"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Client owns one forkserver and its control socket. Spawns are serialised;
// children are independent once spawned.
type Client struct {
	mu     sync.Mutex
	conn   *net.UnixConn
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	closed bool
}

// New launches the forkserver and primes it with the import message.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ChildMain == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("child main is required")
	}
	argv, err := cfg.argv(forkserver.StageArg)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ForkserverStartFailed, "socketpair: %v", err)
	}
	ours := os.NewFile(uintptr(fds[0]), "control")
	theirs := os.NewFile(uintptr(fds[1]), "control-forkserver")
	defer theirs.Close()

	c, err := net.FileConn(ours)
	_ = ours.Close()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ForkserverStartFailed, "adopt control socket: %v", err)
	}
	conn := c.(*net.UnixConn)

	cmd := exec.Command(argv[0], argv[1:]...)
	// An empty non-nil slice keeps exec from inheriting our environment.
	cmd.Env = append([]string{}, cfg.Environment...)
	cmd.ExtraFiles = []*os.File{theirs}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		return nil, appErr.Wrapf(err, appErr.ForkserverStartFailed, "start forkserver: %v", err)
	}

	client := &Client{conn: conn, cmd: cmd, done: make(chan struct{})}
	go client.reap()

	_ = conn.SetWriteDeadline(time.Now().Add(cfg.startTimeout()))
	err = protocol.WriteMessage(conn, protocol.ImportModules{
		Modules:   cfg.PreloadModules,
		ChildMain: cfg.ChildMain,
	})
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		_ = client.Close()
		return nil, appErr.Wrapf(err, appErr.ForkserverStartFailed, "import modules: %v", err)
	}

	logger.Info(ctx, "forkserver started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("child_main", cfg.ChildMain),
		zap.Strings("preload", cfg.PreloadModules),
	)
	return client, nil
}

func (c *Client) reap() {
	c.err = c.cmd.Wait()
	close(c.done)
}

// Done is closed when the forkserver has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pid of the forkserver.
func (c *Client) Pid() int {
	return c.cmd.Process.Pid
}

// Spawn asks the forkserver for one child running the configured entry with
// args. The returned child is ours to wait for.
func (c *Client) Spawn(ctx context.Context, processName string, args []any, sandbox protocol.SandboxConfig) (*ChildProcess, error) {
	encoded, err := protocol.EncodeArgs(args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "encode arguments: %v", err)
	}
	if err := sandbox.Validate(); err != nil {
		return nil, appErr.ValidationError("sandbox_config", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, appErr.New(appErr.ForkserverUnavailable)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req := protocol.SpawnRequest{ProcessName: processName, Args: encoded, SandboxConfig: sandbox}
	if err := protocol.WriteMessage(c.conn, req); err != nil {
		return nil, c.broken(err)
	}
	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return nil, c.broken(err)
	}

	switch msg := reply.(type) {
	case protocol.SpawnedChildHandle:
		files, err := protocol.ReceiveFds(c.conn, 3)
		if err != nil {
			return nil, c.broken(err)
		}
		return newChildProcess(msg.Pid, files[0], files[1], files[2])
	case protocol.SpawnError:
		if msg.Pid > 0 {
			// The forkserver killed it; it is our child to reap.
			var ws unix.WaitStatus
			_, _ = unix.Wait4(msg.Pid, &ws, 0, nil)
		}
		return nil, appErr.SpawnError(stderrors.New(msg.Message), processName)
	default:
		return nil, c.broken(&protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s in reply to spawn", reply.Kind())})
	}
}

// broken records that the control socket can no longer be trusted.
func (c *Client) broken(err error) error {
	c.closed = true
	_ = c.conn.Close()
	var perr *protocol.ProtocolError
	if stderrors.As(err, &perr) {
		return appErr.Wrap(err, appErr.ProtocolViolation)
	}
	if stderrors.Is(err, io.EOF) {
		return appErr.Wrapf(err, appErr.ForkserverUnavailable, "forkserver closed the control socket")
	}
	return appErr.Wrap(err, appErr.ForkserverUnavailable)
}

// Close shuts the control socket, which tells the forkserver to exit, and
// waits for it. Children already spawned are unaffected.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	<-c.done
	if c.err != nil {
		return fmt.Errorf("forkserver exited: %w", c.err)
	}
	return nil
}
