// Package eventfeed streams seat events (session changes, overlap verdicts,
// switcher mode) to UI collaborators over websocket, as JSON or CBOR.
package eventfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/metrics"
)

var log = logging.L("eventfeed")

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendQueueSize  = 64
	backlogSize    = 32
	maxClients     = 64
)

// Event kinds.
const (
	KindSessionCreated   = "session_created"
	KindSessionDestroyed = "session_destroyed"
	KindUserActivated    = "user_activated"
	KindOverlapChanged   = "overlap_changed"
	KindSwitcherChanged  = "switcher_changed"
)

// Event is one feed record.
type Event struct {
	Seq        uint64    `json:"seq" cbor:"seq"`
	Kind       string    `json:"kind" cbor:"kind"`
	Time       time.Time `json:"time" cbor:"time"`
	Username   string    `json:"username,omitempty" cbor:"username,omitempty"`
	ClaimID    string    `json:"claimId,omitempty" cbor:"claimId,omitempty"`
	Overlapped *bool     `json:"overlapped,omitempty" cbor:"overlapped,omitempty"`
	State      string    `json:"state,omitempty" cbor:"state,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed only listens on loopback
	},
}

type subscriber struct {
	conn     *websocket.Conn
	encoding Encoding
	sendCh   chan []byte
	done     chan struct{}
	once     sync.Once
}

// Hub fans events out to websocket subscribers. A slow subscriber drops
// events rather than holding up the publisher.
type Hub struct {
	clock clockwork.Clock

	mu      sync.Mutex
	seq     uint64
	clients map[*subscriber]struct{}
	backlog []Event
	closed  bool
}

func NewHub(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		clock:   clock,
		clients: make(map[*subscriber]struct{}),
	}
}

// Publish stamps ev with the next sequence number and the current time and
// queues it for every subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.seq++
	ev.Seq = h.seq
	ev.Time = h.clock.Now().UTC()

	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > backlogSize {
		h.backlog = h.backlog[len(h.backlog)-backlogSize:]
	}

	frames := make(map[Encoding][]byte, 2)
	for c := range h.clients {
		data, ok := frames[c.encoding]
		if !ok {
			var err error
			data, err = encode(c.encoding, ev)
			if err != nil {
				log.Error("failed to encode event", "kind", ev.Kind, logging.KeyError, err)
				return
			}
			frames[c.encoding] = data
		}
		select {
		case c.sendCh <- data:
		default:
			log.Warn("subscriber queue full, dropping event", "kind", ev.Kind, "seq", ev.Seq)
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and subscribes the connection. The
// backlog is replayed first so a new subscriber sees recent history.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc, err := ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Len() >= maxClients {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &subscriber{
		conn:     conn,
		encoding: enc,
		sendCh:   make(chan []byte, sendQueueSize+backlogSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	for _, ev := range h.backlog {
		if data, err := encode(enc, ev); err == nil {
			c.sendCh <- data
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.EventFeedClients.Inc()

	log.Info("event feed subscriber connected", "remote", r.RemoteAddr, "encoding", string(enc))

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *subscriber) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("subscriber read error", logging.KeyError, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	msgType := websocket.TextMessage
	if c.encoding == EncodingCBOR {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *subscriber) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		metrics.EventFeedClients.Dec()

		close(c.done)
		c.conn.Close()
		log.Debug("event feed subscriber removed")
	})
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*subscriber, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		h.remove(c)
	}
}
