//go:build !linux

package ipc

import (
	"fmt"
	"net"
	"strconv"
)

// PeerCredentials holds the kernel-verified identity of a control peer.
type PeerCredentials struct {
	PID        int
	UID        uint32
	GID        uint32
	BinaryPath string
}

// GetPeerCredentials is only implemented on Linux.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, fmt.Errorf("ipc: peer credentials are not supported on this platform")
}

func (p *PeerCredentials) IdentityKey() string {
	return strconv.FormatUint(uint64(p.UID), 10)
}
