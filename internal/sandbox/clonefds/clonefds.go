//go:build linux

// Package clonefds creates and hands over the pipes shared between the
// forkserver, a freshly cloned child and the original caller.
//
// Four pipes are created before the clone: stdin, stdout, stderr and sync.
// After the clone each side keeps only its own ends. The forkserver writes
// the child's spawn payload into the sync pipe and closes it; end of file on
// the sync pipe tells the child that its namespaces have been configured.
package clonefds

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Descriptor numbers of the child-side ends inside a cloned child.
const (
	ChildStdinFd  = 3
	ChildStdoutFd = 4
	ChildStderrFd = 5
	ChildSyncFd   = 6
	// ChildFdCount is the size of the cloned child's descriptor table.
	ChildFdCount = 7
)

// CloneFds holds both ends of every pipe, before the clone.
type CloneFds struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
	syncR, syncW     *os.File
}

// Create makes the four close-on-exec pipes. On failure every descriptor
// already created is closed.
func Create() (*CloneFds, error) {
	var pairs [4][2]*os.File
	for i, name := range []string{"stdin", "stdout", "stderr", "sync"} {
		r, w, err := pipe(name)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = pairs[j][0].Close()
				_ = pairs[j][1].Close()
			}
			return nil, err
		}
		pairs[i] = [2]*os.File{r, w}
	}
	return &CloneFds{
		stdinR: pairs[0][0], stdinW: pairs[0][1],
		stdoutR: pairs[1][0], stdoutW: pairs[1][1],
		stderrR: pairs[2][0], stderrW: pairs[2][1],
		syncR: pairs[3][0], syncW: pairs[3][1],
	}, nil
}

func pipe(name string) (*os.File, *os.File, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("pipe2 %s: %w", name, err)
	}
	return os.NewFile(uintptr(p[0]), name+"-r"), os.NewFile(uintptr(p[1]), name+"-w"), nil
}

// ChildFiles is the descriptor table handed to the clone: /dev/null on 0-2
// and the child-side pipe ends on 3-6.
func (c *CloneFds) ChildFiles(devNull *os.File) []uintptr {
	null := devNull.Fd()
	return []uintptr{
		null, null, null,
		c.stdinR.Fd(),
		c.stdoutW.Fd(),
		c.stderrW.Fd(),
		c.syncR.Fd(),
	}
}

// Close releases every descriptor. Used when the clone itself failed.
func (c *CloneFds) Close() {
	closeAll(&c.stdinR, &c.stdinW, &c.stdoutR, &c.stdoutW, &c.stderrR, &c.stderrW, &c.syncR, &c.syncW)
}

// BecomeForkserver drops the forkserver's copies of the child-side ends and
// returns the forkserver's view. c must not be used afterwards.
func (c *CloneFds) BecomeForkserver() *ForkserverFds {
	closeAll(&c.stdinR, &c.stdoutW, &c.stderrW, &c.syncR)
	fs := &ForkserverFds{
		stdin:  c.stdinW,
		stdout: c.stdoutR,
		stderr: c.stderrR,
		sync:   c.syncW,
	}
	*c = CloneFds{}
	return fs
}

// ForkserverFds is the forkserver's side after the clone.
type ForkserverFds struct {
	stdin, stdout, stderr *os.File
	sync                  *os.File
}

// SignalNamespaceIsReady writes the child's payload to the sync pipe and
// closes it, then hands the caller-facing ends over to the returned value.
// The view owns nothing afterwards.
func (f *ForkserverFds) SignalNamespaceIsReady(payload []byte) (*CallerFds, error) {
	if f.sync == nil {
		return nil, fmt.Errorf("namespace ready already signalled")
	}
	_, werr := f.sync.Write(payload)
	cerr := f.sync.Close()
	f.sync = nil
	if werr != nil {
		return nil, fmt.Errorf("write sync payload: %w", werr)
	}
	if cerr != nil {
		return nil, fmt.Errorf("close sync pipe: %w", cerr)
	}
	caller := &CallerFds{Stdin: f.stdin, Stdout: f.stdout, Stderr: f.stderr}
	f.stdin, f.stdout, f.stderr = nil, nil, nil
	return caller, nil
}

// Close releases whatever the view still owns.
func (f *ForkserverFds) Close() {
	closeAll(&f.stdin, &f.stdout, &f.stderr, &f.sync)
}

// CallerFds are the parent ends of the child's stdio.
type CallerFds struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Close closes every remaining descriptor.
func (c *CallerFds) Close() {
	closeAll(&c.Stdin, &c.Stdout, &c.Stderr)
}

// ChildFds is the cloned child's side, before the namespace is ready.
type ChildFds struct {
	stdin, stdout, stderr *os.File
	sync                  *os.File
}

// BecomeChild adopts the well-known descriptors 3-6 inside a cloned child.
func BecomeChild() *ChildFds {
	return Adopt(
		os.NewFile(ChildStdinFd, "stdin"),
		os.NewFile(ChildStdoutFd, "stdout"),
		os.NewFile(ChildStderrFd, "stderr"),
		os.NewFile(ChildSyncFd, "sync"),
	)
}

// Adopt builds a child view from explicit descriptors.
func Adopt(stdin, stdout, stderr, sync *os.File) *ChildFds {
	return &ChildFds{stdin: stdin, stdout: stdout, stderr: stderr, sync: sync}
}

// WaitForNamespaceReady blocks until the forkserver closes the sync pipe and
// returns the payload written before the close.
func (c *ChildFds) WaitForNamespaceReady() (*ChildStdio, []byte, error) {
	if c.sync == nil {
		return nil, nil, fmt.Errorf("sync pipe already consumed")
	}
	payload, err := io.ReadAll(c.sync)
	closeAll(&c.sync)
	if err != nil {
		return nil, nil, fmt.Errorf("read sync pipe: %w", err)
	}
	stdio := &ChildStdio{stdin: c.stdin, stdout: c.stdout, stderr: c.stderr}
	c.stdin, c.stdout, c.stderr = nil, nil, nil
	return stdio, payload, nil
}

// ChildStdio holds the child's pipe ends once the namespace is ready.
type ChildStdio struct {
	stdin, stdout, stderr *os.File
}

// Files returns the pipe ends without transferring ownership.
func (s *ChildStdio) Files() (stdin, stdout, stderr *os.File) {
	return s.stdin, s.stdout, s.stderr
}

// ReplaceThisProcessStandardFds installs the pipes as fds 0, 1 and 2 and
// closes the originals.
func (s *ChildStdio) ReplaceThisProcessStandardFds() error {
	for target, f := range []*os.File{s.stdin, s.stdout, s.stderr} {
		if f == nil {
			return fmt.Errorf("stdio descriptor %d already released", target)
		}
		if err := unix.Dup3(int(f.Fd()), target, 0); err != nil {
			return fmt.Errorf("dup3 %d -> %d: %w", f.Fd(), target, err)
		}
	}
	closeAll(&s.stdin, &s.stdout, &s.stderr)
	return nil
}

func closeAll(files ...**os.File) {
	for _, f := range files {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
}
