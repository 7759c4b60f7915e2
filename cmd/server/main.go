package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"clinchat/internal/app"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "clinchat-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg app.ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	tcpAddr := flag.String("tcp-addr", cfg.TCPAddr, "optional TCP line-protocol listen address")
	wsPath := flag.String("path", cfg.WSPath, "websocket path")
	db := flag.String("db", cfg.DBPath, "sqlite database path (defaults to a per-user path)")
	seedRoom := flag.String("seed-room", cfg.SeedRoom, "public room created at startup, empty to disable")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.Parse()

	cfg.Addr = *addr
	cfg.TCPAddr = *tcpAddr
	cfg.WSPath = app.NormalizeWSPath(*wsPath)
	cfg.DBPath = *db
	cfg.SeedRoom = *seedRoom
	cfg.LogLevel = *logLevel
	if cfg.DBPath == "" {
		cfg.DBPath = app.DefaultDBPath()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("server listening", "addr", handle.Addr(), "ws_path", cfg.WSPath, "db", cfg.DBPath)
	if handle.TCPAddr() != "" {
		logger.Info("tcp transport listening", "addr", handle.TCPAddr())
	}
	return handle.Wait()
}
