package notifications

import (
	"log/slog"
	"sync"
	"time"

	"socialfeed/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Commands are small; drafts are the largest thing a client sends.
	maxMessageSize = 16384

	sendBuffer = 64
)

// WSHub is implemented by hubs that own clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one websocket connection of a signed-in user.
//
// Snapshots go through Offer: each carries the whole view, so an unsent one
// is replaced by the next instead of queued behind it. Everything else goes
// through TrySend and is dropped when the buffer is full.
type Client struct {
	Hub  WSHub
	Conn *websocket.Conn

	// Identity is the lower-cased email of the signed-in user.
	Identity string

	// IncomingHandler receives every inbound text frame, on the ReadPump goroutine.
	IncomingHandler func(*Client, []byte)

	Send chan []byte

	mu      sync.Mutex
	pending map[string][]byte
	order   []string
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
}

// NewClient returns a client for conn owned by hub.
func NewClient(hub WSHub, conn *websocket.Conn, identity string) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Identity: identity,
		Send:     make(chan []byte, sendBuffer),
		pending:  make(map[string][]byte),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Offer schedules message as the latest value for key, replacing any value
// for key that has not been written yet.
func (c *Client) Offer(key string, message []byte) {
	c.mu.Lock()
	if _, queued := c.pending[key]; queued {
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "coalesced").Inc()
	} else {
		c.order = append(c.order, key)
	}
	c.pending[key] = message
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takePending returns the offered messages in first-offer order and clears them.
func (c *Client) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.pending[key])
		delete(c.pending, key)
	}
	c.order = c.order[:0]
	return out
}

// TrySend queues message without blocking and reports whether it was queued.
func (c *Client) TrySend(message []byte) bool {
	select {
	case <-c.done:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		slog.Warn("websocket buffer full, dropped message",
			slog.String("hub", c.Hub.Name()), slog.String("identity", c.Identity))
		return false
	}
}

// Close stops WritePump. It is safe to call more than once.
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith stops WritePump, which sends a close frame with code and text
// on its way out. Only the first call has an effect.
func (c *Client) CloseWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, text)
		close(c.done)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump feeds inbound frames to IncomingHandler until the peer goes away,
// then unregisters and closes the client.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Close()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed",
					slog.String("hub", c.Hub.Name()),
					slog.String("identity", c.Identity),
					slog.String("error", err.Error()))
			}
			return
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump writes queued and offered messages and keeps the connection
// alive with pings. It returns on the first write error or on Close.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, c.closeMsg)
			return

		case message := <-c.Send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.wake:
			for _, message := range c.takePending() {
				if err := c.write(message); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, message)
}
