package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket viewer. Payloads are full view states, so when the
// peer is slow the oldest queued state is dropped in favour of the newest.
type Client struct {
	conn     *websocket.Conn
	info     ConnInfo
	kind     string
	resource string
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, kind, resource string, info ConnInfo) *Client {
	return &Client{
		conn:     conn,
		info:     info,
		kind:     kind,
		resource: resource,
		send:     make(chan []byte, sendBuffer),
	}
}

// Offer queues payload without blocking. It reports false once the client is closed.
func (c *Client) Offer(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.send <- payload:
			return true
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump owns all writes to the connection until send is closed or a
// write fails.
func (c *Client) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// readPump discards inbound frames and returns when the peer goes away.
func (c *Client) readPump() error {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
