package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "clinchat/internal"
	"clinchat/internal/identity"
)

// ServerHandle represents a running chat server instance.
type ServerHandle struct {
	addr    string
	tcpAddr string
	server  *http.Server
	tcpLn   net.Listener
	store   *identity.Store
	done    chan struct{}
	err     error
	log     *slog.Logger
}

// Addr returns the actual HTTP listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// TCPAddr returns the line-protocol listen address, empty when disabled.
func (h *ServerHandle) TCPAddr() string {
	return h.tcpAddr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if h.tcpLn != nil {
		_ = h.tcpLn.Close()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the identity store, runs migrations, wires the engine
// behind both transports, and starts serving in the background. Call
// Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := identity.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	engine := intrnl.NewEngine(store, logger, intrnl.NewMetrics())
	if cfg.SeedRoom != "" {
		engine.SeedRoom(cfg.SeedRoom, "system", true)
	}
	server := intrnl.NewServer(engine, store, logger, cfg.AllowedOrigins())

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.WSPath, server)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		done:   make(chan struct{}),
		log:    logger,
	}

	var tcpServer *intrnl.TCPServer
	if cfg.TCPAddr != "" {
		tcpListener, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			_ = listener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		handle.tcpLn = tcpListener
		handle.tcpAddr = tcpListener.Addr().String()
		tcpServer = intrnl.NewTCPServer(engine, logger)
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown failed", "err", err)
		}
	}()

	if tcpServer != nil {
		go func() {
			if err := tcpServer.Serve(handle.tcpLn); err != nil {
				logger.Error("tcp server stopped", "err", err)
			}
		}()
	}

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := h.store.Close(); closeErr != nil {
		h.log.Error("store close failed", "err", closeErr)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
}
