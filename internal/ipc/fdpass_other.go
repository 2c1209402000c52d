//go:build !unix

package ipc

import (
	"errors"
	"io"
)

var errNoFDPassing = errors.New("ipc: fd passing is not supported on this platform")

func (c *Conn) writeFrame(frame []byte, fds []int) error {
	if len(fds) > 0 {
		return errNoFDPassing
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *Conn) readHeader(header []byte) ([]int, error) {
	_, err := io.ReadFull(c.conn, header)
	return nil, err
}

// CloseFDs is a no-op where descriptors cannot be received.
func CloseFDs(fds []int) {}
