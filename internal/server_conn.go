package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256

	// read cap of 160 MB leaves room for the 100 MB file limit plus base64
	// overhead and the envelope around it.
	maxFrameBytes = 160 << 20
)

var errConnClosed = errors.New("connection closed")

// wsClient adapts a single gorilla connection to the engine's Conn. Writes
// go through a buffered channel so the engine never blocks on a slow peer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Push queues a frame without blocking. A full buffer means the peer is too
// slow to read; the returned error lets the engine reap the session.
func (c *wsClient) Push(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errConnClosed
	}
}

// Close is idempotent and only signals the pumps; the network teardown
// happens in writePump.
func (c *wsClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump(engine *Engine, sessionID string) {
	defer func() {
		engine.Disconnect(sessionID)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// normal close or read error, deferred cleanup runs either way
			break
		}
		engine.Dispatch(context.Background(), sessionID, payload)
	}
}
