package internal

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPServer serves the same protocol as the websocket endpoint over a raw
// TCP listener, one JSON envelope per line.
type TCPServer struct {
	engine *Engine
	log    *slog.Logger
}

func NewTCPServer(engine *Engine, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{engine: engine, log: logger}
}

// Serve accepts connections until the listener closes.
func (s *TCPServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *TCPServer) handle(conn net.Conn) {
	client := newTCPClient(conn)
	sessionID := s.engine.Connect(client)
	s.log.Debug("tcp connection accepted", "remote", conn.RemoteAddr().String(), "session", sessionID)

	go client.writeLoop()
	client.readLoop(s.engine, sessionID)
}

// tcpClient adapts one TCP connection to the engine's Conn, mirroring the
// websocket adapter's buffered, non-blocking writes.
type tcpClient struct {
	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newTCPClient(conn net.Conn) *tcpClient {
	return &tcpClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *tcpClient) Push(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errConnClosed
	}
}

func (c *tcpClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *tcpClient) writeLoop() {
	writer := bufio.NewWriter(c.conn)
	defer c.conn.Close()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := writer.Write(payload); err != nil {
				return
			}
			if err := writer.WriteByte('\n'); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *tcpClient) readLoop(engine *Engine, sessionID string) {
	defer func() {
		engine.Disconnect(sessionID)
		c.conn.Close()
	}()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Dispatch finishes with the payload before returning, so the
		// scanner's buffer can be handed over directly.
		engine.Dispatch(context.Background(), sessionID, line)
	}
}
