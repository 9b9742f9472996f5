package supervisor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"workbench/internal/sandbox/protocol"
	appErr "workbench/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// ChildProcess is a spawned sandboxed child. Stdin, Stdout and Stderr are
// the caller's ends of its pipes.
type ChildProcess struct {
	Pid    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	proc     *os.Process
	waitOnce sync.Once
	state    *os.ProcessState
	waitErr  error
}

func newChildProcess(pid int, stdin, stdout, stderr *os.File) (*ChildProcess, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("find child %d: %w", pid, err)
	}
	return &ChildProcess{Pid: pid, Stdin: stdin, Stdout: stdout, Stderr: stderr, proc: proc}, nil
}

// Wait reaps the child. It is safe to call more than once.
func (p *ChildProcess) Wait() (*os.ProcessState, error) {
	p.waitOnce.Do(func() {
		p.state, p.waitErr = p.proc.Wait()
	})
	return p.state, p.waitErr
}

// Kill sends SIGKILL. Killing an exited child is not an error.
func (p *ChildProcess) Kill() error {
	err := p.proc.Signal(syscall.SIGKILL)
	if err == nil || stderrors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Close releases the pipe ends. It does not wait for the child.
func (p *ChildProcess) Close() error {
	return stderrors.Join(closeFile(p.Stdin), closeFile(p.Stdout), closeFile(p.Stderr))
}

func closeFile(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Spawner is the part of Client that Run needs.
type Spawner interface {
	Spawn(ctx context.Context, processName string, args []any, sandbox protocol.SandboxConfig) (*ChildProcess, error)
}

// RunRequest describes one run-to-completion child.
type RunRequest struct {
	ProcessName string
	Args        []any
	Sandbox     protocol.SandboxConfig
	Stdin       []byte
	// MaxOutputBytes bounds each of stdout and stderr. Zero means 1 MiB.
	MaxOutputBytes int64
	// Timeout bounds the run in addition to ctx. Zero means no extra bound.
	Timeout time.Duration
}

// RunResult is what a finished child produced.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

const defaultMaxOutput = 1 << 20

// Run spawns a child, feeds it stdin and collects its output. The child is
// killed when the deadline passes or an output limit is exceeded, and it is
// always reaped before Run returns.
func Run(ctx context.Context, s Spawner, req RunRequest) (*RunResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	limit := req.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutput
	}

	child, err := s.Spawn(ctx, req.ProcessName, req.Args, req.Sandbox)
	if err != nil {
		return nil, err
	}
	defer child.Close()

	stop := context.AfterFunc(ctx, func() { _ = child.Kill() })
	defer stop()

	var stdout, stderr bytes.Buffer
	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := child.Stdin.Write(req.Stdin)
		_ = child.Stdin.Close()
		if stderrors.Is(err, syscall.EPIPE) {
			// Children may exit without reading stdin.
			return nil
		}
		return err
	})
	g.Go(func() error { return readBounded(child.Stdout, &stdout, limit, child) })
	g.Go(func() error { return readBounded(child.Stderr, &stderr, limit, child) })
	ioErr := g.Wait()

	state, waitErr := child.Wait()
	if waitErr != nil {
		return nil, appErr.Wrapf(waitErr, appErr.ChildFailed, "wait for %s: %v", req.ProcessName, waitErr)
	}
	result := &RunResult{ExitCode: state.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() != nil {
		return result, appErr.Wrapf(ctx.Err(), appErr.ChildTimeout, "%s killed: %v", req.ProcessName, ctx.Err())
	}
	if ioErr != nil {
		if appErr.Is(ioErr, appErr.ChildOutputTooBig) {
			return result, ioErr
		}
		return result, appErr.Wrapf(ioErr, appErr.ChildFailed, "%s pipes: %v", req.ProcessName, ioErr)
	}
	return result, nil
}

// readBounded copies r into buf, killing the child once more than limit
// bytes arrive. It drains to EOF either way so the child never blocks.
func readBounded(r io.Reader, buf *bytes.Buffer, limit int64, child *ChildProcess) error {
	n, err := io.Copy(buf, io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		buf.Truncate(int(limit))
		_ = child.Kill()
		_, _ = io.Copy(io.Discard, r)
		return appErr.Newf(appErr.ChildOutputTooBig, "output exceeds %d bytes", limit)
	}
	return nil
}
