//go:build unix

package protocol

import (
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		conns[i] = c.(*net.UnixConn)
	}
	t.Cleanup(func() {
		_ = conns[0].Close()
		_ = conns[1].Close()
	})
	return conns[0], conns[1]
}

func TestHandleAndDescriptorsOverSocketpair(t *testing.T) {
	a, b := socketPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := WriteMessage(a, SpawnedChildHandle{Pid: 1234}); err != nil {
		t.Fatalf("WriteMessage() = %v", err)
	}
	if err := SendFds(a, r, w, w); err != nil {
		t.Fatalf("SendFds() = %v", err)
	}

	handle, err := Expect[SpawnedChildHandle](b)
	if err != nil {
		t.Fatalf("Expect() = %v", err)
	}
	if handle.Pid != 1234 {
		t.Fatalf("pid = %d", handle.Pid)
	}
	files, err := ReceiveFds(b, 3)
	if err != nil {
		t.Fatalf("ReceiveFds() = %v", err)
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	if _, err := files[1].Write([]byte("via fd")); err != nil {
		t.Fatalf("write through received fd: %v", err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(files[0], buf); err != nil || string(buf) != "via fd" {
		t.Fatalf("read %q, %v", buf, err)
	}
}

func TestPeerCloseIsEOF(t *testing.T) {
	a, b := socketPair(t)
	_ = a.Close()
	if _, err := ReadMessage(b); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
