package internal

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Server exposes the engine over HTTP: the websocket chat endpoint plus a
// few REST helpers for signup, health and metrics.
type Server struct {
	engine      *Engine
	ident       Identity
	authLimiter *RateLimiter
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

// NewServer wires the engine behind the HTTP surface. An empty origin list
// admits every browser origin.
func NewServer(engine *Engine, ident Identity, logger *slog.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:      engine,
		ident:       ident,
		authLimiter: NewRateLimiter(10, time.Minute),
		log:         logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

// originChecker admits requests without an Origin header so native clients
// keep working regardless of the allow-list.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return lo.Contains(allowed, origin)
	}
}

// ServeWS upgrades the request to a websocket and registers the connection
// with the engine. The read loop runs on the request goroutine until the
// peer goes away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	client := newWSClient(conn)
	sessionID := s.engine.Connect(client)

	go client.writePump()
	client.readPump(s.engine, sessionID)
}
