package ws

import (
	"github.com/gorilla/websocket"

	"donation-sync/internal/observability"
)

// serve registers c and runs its pumps. When the peer leaves, release is
// called before the client is removed, so no view update races the teardown.
func (h *Hub) serve(c *Client, release func()) {
	h.Add(c)
	observability.IncWSActive(c.kind)
	h.publishWSEvent(c, "ws_connect", "")

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := c.writePump(); err != nil {
			h.publishWSError(c, err)
		}
		_ = c.conn.Close()
	}()

	go func() {
		var closeReason string
		if err := c.readPump(); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publishWSError(c, err)
			}
		}
		if release != nil {
			release()
		}
		h.Remove(c)
		<-writeDone
		observability.DecWSActive(c.kind)
		h.publishWSEvent(c, "ws_disconnect", closeReason)
	}()
}
