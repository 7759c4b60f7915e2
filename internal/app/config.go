package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ServerConfig defines how the chat backend should run. Values come from the
// environment; flags may override them afterwards.
type ServerConfig struct {
	Addr     string `env:"CLINCHAT_ADDR,default=:8080"`
	TCPAddr  string `env:"CLINCHAT_TCP_ADDR"`
	WSPath   string `env:"CLINCHAT_WS_PATH,default=/ws"`
	DBPath   string `env:"CLINCHAT_DB_PATH"`
	Origins  string `env:"CLINCHAT_ORIGINS"`
	SeedRoom string `env:"CLINCHAT_SEED_ROOM,default=general"`
	LogLevel string `env:"CLINCHAT_LOG_LEVEL,default=info"`
}

// AllowedOrigins splits the comma separated origin list; empty means no
// restriction.
func (c ServerConfig) AllowedOrigins() []string {
	if strings.TrimSpace(c.Origins) == "" {
		return nil
	}
	parts := strings.Split(c.Origins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `env:"CLINCHAT_SERVER,default=ws://127.0.0.1:8080/ws"`
	Username  string `env:"CLINCHAT_USER"`
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CLINCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "clinchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "clinchat", "clinchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Clinchat", "clinchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Clinchat", "clinchat.db")
		}
		return filepath.Join(home, ".local", "share", "clinchat", "clinchat.db")
	}
	return filepath.Join(".", ".clinchat", "clinchat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

// ParseLogLevel maps the configured level name onto slog.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
