package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// DefaultWorkspace is where session files, logs and the database live.
	DefaultWorkspace = "~/.jagc"

	// DefaultPort is the local HTTP intake port.
	DefaultPort = 31415
)

// Config holds the daemon configuration. All values come from the
// environment; an optional <workspace>/.env file is loaded first and
// real environment variables take precedence over it.
type Config struct {
	WorkspaceDir string
	DatabasePath string
	Host         string
	Port         int
	Runner       string // "pi" (agent sessions) or "echo" (diagnostic)
	LogLevel     string

	TelegramBotToken       string
	TelegramAllowedUserIDs []string
}

// Load builds the configuration from the environment. The workspace
// directory (and its sessions/ and logs/ subdirectories) are created
// with mode 0700 as a side effect.
func Load() (*Config, error) {
	cfg := &Config{
		WorkspaceDir: DefaultWorkspace,
		Host:         "127.0.0.1",
		Port:         DefaultPort,
		Runner:       "pi",
		LogLevel:     "info",
	}

	if v := os.Getenv("WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	cfg.WorkspaceDir = ExpandHome(cfg.WorkspaceDir)
	if !filepath.IsAbs(cfg.WorkspaceDir) {
		abs, err := filepath.Abs(cfg.WorkspaceDir)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace dir: %w", err)
		}
		cfg.WorkspaceDir = abs
	}

	// Workspace .env: lowest precedence, never overrides real env vars.
	envPath := filepath.Join(cfg.WorkspaceDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("workspace .env load failed", "path", envPath, "error", err)
		}
	}

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("HOST", &cfg.Host)
	envStr("RUNNER", &cfg.Runner)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("TELEGRAM_BOT_TOKEN", &cfg.TelegramBotToken)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}

	cfg.DatabasePath = os.Getenv("DATABASE_PATH")
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.WorkspaceDir, "jagc.sqlite")
	} else {
		cfg.DatabasePath = ExpandHome(cfg.DatabasePath)
		if !filepath.IsAbs(cfg.DatabasePath) {
			cfg.DatabasePath = filepath.Join(cfg.WorkspaceDir, cfg.DatabasePath)
		}
	}

	cfg.TelegramAllowedUserIDs = ParseAllowedUserIDs(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"))

	switch cfg.Runner {
	case "pi", "echo":
	default:
		return nil, fmt.Errorf("invalid RUNNER %q (want pi or echo)", cfg.Runner)
	}

	for _, dir := range []string{cfg.WorkspaceDir, cfg.SessionsDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// SessionsDir is where agent session files are persisted.
func (c *Config) SessionsDir() string { return filepath.Join(c.WorkspaceDir, "sessions") }

// LogsDir is where daemon logs are written.
func (c *Config) LogsDir() string { return filepath.Join(c.WorkspaceDir, "logs") }

// EnvFilePath is the workspace .env file managed by CLI commands.
func (c *Config) EnvFilePath() string { return filepath.Join(c.WorkspaceDir, ".env") }

// Addr is the host:port the HTTP surface binds.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// TelegramEnabled reports whether the chat-gateway loop should run.
func (c *Config) TelegramEnabled() bool { return c.TelegramBotToken != "" }

// ParseAllowedUserIDs splits a comma-separated allow-list, trimming
// whitespace and stripping leading zeroes so "0202" and "202" compare equal.
func ParseAllowedUserIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := NormalizeUserID(part)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeUserID trims whitespace and leading zeroes from a numeric user id.
func NormalizeUserID(raw string) string {
	id := strings.TrimSpace(raw)
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" && id != "" {
		return "0"
	}
	return trimmed
}

// SlogLevel maps LOG_LEVEL onto slog levels. "trace" shares Debug,
// "fatal" shares Error; "silent" is handled by the caller (discard writer).
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal", "silent":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
