//go:build unix

package ipc

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// writeFrame writes frame in one sendmsg when fds are attached so the
// descriptors ride with the frame's first byte.
func (c *Conn) writeFrame(frame []byte, fds []int) error {
	uc, ok := c.conn.(*net.UnixConn)
	if len(fds) == 0 {
		_, err := c.conn.Write(frame)
		return err
	}
	if !ok {
		return fmt.Errorf("ipc: fd passing needs a unix socket")
	}

	n, _, err := uc.WriteMsgUnix(frame, unix.UnixRights(fds...), nil)
	if err != nil {
		return err
	}
	if n < len(frame) {
		_, err = c.conn.Write(frame[n:])
	}
	return err
}

// readHeader fills header and collects any descriptors received with it.
func (c *Conn) readHeader(header []byte) ([]int, error) {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		_, err := io.ReadFull(c.conn, header)
		return nil, err
	}

	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))
	var fds []int
	read := 0
	for read < len(header) {
		n, oobn, _, _, err := uc.ReadMsgUnix(header[read:], oob)
		if oobn > 0 {
			got, perr := parseRights(oob[:oobn])
			fds = append(fds, got...)
			if perr != nil {
				CloseFDs(fds)
				return nil, perr
			}
		}
		if err != nil {
			CloseFDs(fds)
			if read > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 {
			CloseFDs(fds)
			if read > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		read += n
	}
	return fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("ipc: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return fds, fmt.Errorf("ipc: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// CloseFDs closes descriptors the caller will not use.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
