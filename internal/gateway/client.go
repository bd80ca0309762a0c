package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"optionstream/internal/metrics"
)

// Client is one live WebSocket session. The read pump owns inbound
// protocol handling; the write pump owns the socket for writes; the
// broadcast path only touches the send channel.
//
// Send buffer sizing: at the feed's ~10 events/sec per busy room, the
// default 256-slot buffer absorbs ~25 seconds of backlog before the
// slow-client policy kicks in.
type Client struct {
	ID          string
	conn        net.Conn
	send        chan []byte
	done        chan struct{} // closed exactly once on teardown
	closeOnce   sync.Once
	connectedAt time.Time

	// Optional close-frame body written by the write pump on its way out,
	// so the client learns why the server is dropping it. One slot; the
	// write pump is the only goroutine that touches the socket.
	closeFrame chan []byte

	// Consecutive full-buffer broadcast failures. Three strikes and the
	// session is disconnected; one delivered event resets the count.
	sendFails  int32
	slowWarned int32

	rooms *RoomSet

	// Inbound message rate limiter. Protects the gateway from a looping
	// or malicious client; overflowing messages are dropped with an
	// error event, never a disconnect.
	limiter *rate.Limiter
}

func newClient(conn net.Conn, sendBuffer int, msgRate float64, msgBurst int) *Client {
	return &Client{
		ID:          newClientID(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		closeFrame:  make(chan []byte, 1),
		connectedAt: time.Now(),
		rooms:       NewRoomSet(),
		limiter:     rate.NewLimiter(rate.Limit(msgRate), msgBurst),
	}
}

// trySend queues an event without blocking. Returns false when the send
// buffer is full, leaving the slow-client decision to the caller.
func (c *Client) trySend(event string, data []byte) bool {
	select {
	case c.send <- data:
		metrics.EventsDelivered.WithLabelValues(event).Inc()
		return true
	default:
		return false
	}
}

// close signals teardown once. Safe to call from any goroutine. The
// write pump observes the done channel, writes any queued close frame,
// and closes the socket itself; that close unblocks the read pump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
