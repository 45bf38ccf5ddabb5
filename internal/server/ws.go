package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxClientMessage bounds what a subscriber may send. Subscribers only send
// control frames.
const maxClientMessage = 512

// wsConn adapts a WebSocket connection to broadcast.Conn. The hub's writer
// goroutine is the only caller of Send; Close may race with it, which
// gorilla/websocket permits for control messages and Close.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{conn: conn, writeWait: writeWait}
}

func (c *wsConn) Send(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, text string) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeWait))
		err = c.conn.Close()
	})
	return err
}

// serve pings the peer and reads until the connection fails or the peer
// closes it. Client messages are discarded.
func (c *wsConn) serve(pingInterval time.Duration) {
	pongWait := 2 * pingInterval
	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}
