package chat

import (
	"sync"
	"time"

	"CProject/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	// sendQueue bounds the per-connection outbound buffer; a full queue
	// marks the client slow and drops it.
	sendQueue = 256
)

// Client is one websocket connection bound to an authenticated user. A
// user may hold several clients (multi-device).
type Client struct {
	SnowID string
	UserID string
	Send   chan []byte

	conn      *websocket.Conn
	mgr       *Manager
	closeOnce sync.Once
}

func newClient(mgr *Manager, snowID, userID string, conn *websocket.Conn) *Client {
	return &Client{
		SnowID: snowID,
		UserID: userID,
		Send:   make(chan []byte, sendQueue),
		conn:   conn,
		mgr:    mgr,
	}
}

// shutdown closes the underlying connection once; both pumps exit on the
// resulting read/write errors. Send is never closed: a fanout worker may
// still hold this client in a snapshot taken before unregistration, and a
// send on a closed channel would panic.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// readPump drains the connection. Inbound traffic is control-only (the
// operation surface is HTTP); anything else is discarded. Exit tears the
// client down.
func (c *Client) readPump() {
	defer c.mgr.Unregister(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Infof("[ws] read ended: user=%s snow=%s err=%v", c.UserID, c.SnowID, err)
			}
			return
		}
	}
}

// writePump owns all writes on the connection: queued payloads plus the
// ping keepalive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
