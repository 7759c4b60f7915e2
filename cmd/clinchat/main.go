package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"clinchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	_ = godotenv.Load()

	var serverCfg app.ServerConfig
	if _, err := env.UnmarshalFromEnviron(&serverCfg); err != nil {
		fmt.Fprintf(os.Stderr, "clinchat: config error: %v\n", err)
		os.Exit(1)
	}
	var clientCfg app.ClientConfig
	if _, err := env.UnmarshalFromEnviron(&clientCfg); err != nil {
		fmt.Fprintf(os.Stderr, "clinchat: config error: %v\n", err)
		os.Exit(1)
	}

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("clinchat", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddrForMode(mode, serverCfg.Addr), "server listen address")
	wsPath := flagSet.String("path", serverCfg.WSPath, "websocket path")
	db := flagSet.String("db", serverCfg.DBPath, "sqlite database path (local mode defaults to a per-user path)")
	serverURL := flagSet.String("server-url", clientCfg.ServerURL, "server websocket URL (client mode)")
	username := flagSet.String("user", clientCfg.Username, "default username for the login prompt")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	_ = flagSet.Parse(args)

	serverCfg.Addr = *addr
	serverCfg.WSPath = app.NormalizeWSPath(*wsPath)
	serverCfg.DBPath = *db
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}
	clientCfg.ServerURL = *serverURL
	clientCfg.Username = *username

	logLevel := app.ParseLogLevel(serverCfg.LogLevel)
	if *quiet {
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "clinchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("server listening", "addr", handle.Addr(), "ws_path", cfg.WSPath, "db", cfg.DBPath)
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or CLINCHAT_SERVER")
	}
	return app.RunClient(cfg)
}

// runLocalMode starts an embedded server on a loopback port and points the
// TUI at it, which gives a single-command local chat.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	logger.Info("starting local server", "addr", handle.Addr(), "db", serverCfg.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.WSPath)
	logger.Info("launching client", "server", clientCfg.ServerURL)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeWSPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeLocal, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeLocal, args
}

func defaultAddrForMode(mode, configured string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	if configured != "" {
		return configured
	}
	return ":8080"
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
