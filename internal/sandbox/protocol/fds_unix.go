//go:build unix

package protocol

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SendFds passes files over conn as SCM_RIGHTS attached to one dummy byte.
// The caller keeps ownership of its copies.
func SendFds(conn *net.UnixConn, files ...*os.File) error {
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	n, oobn, err := conn.WriteMsgUnix([]byte{0}, unix.UnixRights(fds...), nil)
	if err != nil {
		return fmt.Errorf("send fds: %w", err)
	}
	if n != 1 || oobn == 0 {
		return fmt.Errorf("send fds: short write")
	}
	return nil
}

// ReceiveFds reads the dummy byte sent by SendFds and returns exactly want
// descriptors, close-on-exec.
func ReceiveFds(conn *net.UnixConn, want int) ([]*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(want*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("receive fds: %w", err)
	}
	if n == 0 {
		return nil, protocolErr("socket closed before descriptors", nil)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, protocolErr("malformed control message", err)
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	if flags&unix.MSG_CTRUNC != 0 || len(fds) != want {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return nil, protocolErr(fmt.Sprintf("expected %d descriptors, got %d", want, len(fds)), nil)
	}
	files := make([]*os.File, want)
	for i, fd := range fds {
		unix.CloseOnExec(fd)
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("received-fd-%d", i))
	}
	return files, nil
}
