package control

import (
	"sync"
	"time"

	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/overlap"
)

// peerQueueSize bounds notifications waiting for a slow peer.
const peerQueueSize = 64

type notification struct {
	msgType string
	payload any
}

// Peer is an authenticated control connection.
type Peer struct {
	ID          string
	Role        string
	UID         uint32
	PID         int
	Client      string
	ConnectedAt time.Time

	conn     *ipc.Conn
	out      chan notification
	done     chan struct{}
	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func newPeer(conn *ipc.Conn, id, role string, creds *ipc.PeerCredentials, client string, now time.Time) *Peer {
	p := &Peer{
		ID:          id,
		Role:        role,
		UID:         creds.UID,
		PID:         creds.PID,
		Client:      client,
		ConnectedAt: now,
		conn:        conn,
		out:         make(chan notification, peerQueueSize),
		done:        make(chan struct{}),
		lastSeen:    now,
	}
	go p.writeLoop()
	return p
}

// Notify queues an unsolicited message. It never blocks; a full queue
// drops the message.
func (p *Peer) Notify(msgType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrServerClosed
	}
	select {
	case p.out <- notification{msgType: msgType, payload: payload}:
		return nil
	default:
		log.Warn("peer send queue full, dropping", "connId", p.ID, "type", msgType)
		return ErrPeerQueueFull
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case n := <-p.out:
			if err := p.conn.SendTyped("", n.msgType, n.payload); err != nil {
				log.Debug("peer notify failed", "connId", p.ID, "type", n.msgType, logging.KeyError, err)
			}
		case <-p.done:
			return
		}
	}
}

// reply answers request id.
func (p *Peer) reply(id, msgType string, payload any) error {
	return p.conn.SendTyped(id, msgType, payload)
}

func (p *Peer) replyError(id string, err error) error {
	return p.conn.SendError(id, err.Error())
}

func (p *Peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

// Close drops the connection. Queued notifications are discarded.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	return p.conn.Close()
}

// PeerInfo is a serializable summary of a peer for status reporting.
type PeerInfo struct {
	ID          string    `json:"id" yaml:"id"`
	Role        string    `json:"role" yaml:"role"`
	UID         uint32    `json:"uid" yaml:"uid"`
	PID         int       `json:"pid" yaml:"pid"`
	Client      string    `json:"client,omitempty" yaml:"client,omitempty"`
	ConnectedAt time.Time `json:"connectedAt" yaml:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen" yaml:"lastSeen"`
}

func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		ID:          p.ID,
		Role:        p.Role,
		UID:         p.UID,
		PID:         p.PID,
		Client:      p.Client,
		ConnectedAt: p.ConnectedAt,
		LastSeen:    p.lastSeen,
	}
}

// claimOwner routes a claim's verdicts to the peer that refreshed it.
type claimOwner struct {
	peer  *Peer
	claim overlap.ClaimID
}

func (o claimOwner) SendOverlapped(overlapped bool) {
	o.peer.Notify(ipc.TypeOverlapped, ipc.Overlapped{ClaimID: string(o.claim), Overlapped: overlapped})
}
