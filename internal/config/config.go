// Package config loads the daemon's environment-variable configuration
// (spec §6) into an immutable Config struct, following the teacher's
// os.Getenv-driven loader in the original internal/config/config.go.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the daemon's resolved configuration. It is read once at
// startup and never mutated afterward; components that need a value take it
// by copy or hold a pointer to the whole struct.
type Config struct {
	WorkspaceDir string
	DatabasePath string
	Host         string
	Port         int
	Runner       string // "pi" (agent-session) or "echo"
	LogLevel     string

	TelegramBotToken       string
	TelegramAllowedUserIDs []string // normalized: leading zeroes stripped
}

// Runner values (§6 RUNNER).
const (
	RunnerAgent = "pi"
	RunnerEcho  = "echo"
)

func defaultConfig() Config {
	return Config{
		Host:     "127.0.0.1",
		Port:     31415,
		Runner:   RunnerEcho,
		LogLevel: "info",
	}
}

// Load reads the process environment into a Config, applying the defaults
// and path-expansion rules from spec §6.
func Load() (Config, error) {
	cfg := defaultConfig()

	cfg.WorkspaceDir = expandHome(getenvOr("WORKSPACE_DIR", "~/.jagc"))

	dbPath := getenvOr("DATABASE_PATH", "jagc.sqlite")
	if filepath.IsAbs(dbPath) {
		cfg.DatabasePath = dbPath
	} else {
		cfg.DatabasePath = filepath.Join(cfg.WorkspaceDir, dbPath)
	}

	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("RUNNER"); v != "" {
		cfg.Runner = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramAllowedUserIDs = parseAllowedUserIDs(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"))

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o700); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// parseAllowedUserIDs splits the comma-separated TELEGRAM_ALLOWED_USER_IDS
// value and strips leading zeroes from each entry, matching the comparison
// rule in §4.8 ("leading zeroes are stripped for comparison").
func parseAllowedUserIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		id := stripLeadingZeroes(strings.TrimSpace(p))
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func stripLeadingZeroes(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

// LoadDotEnv populates process environment variables from a .env file
// without overwriting variables already set, matching the teacher's
// cmd/goclaw/main.go loadDotEnv helper. Missing files are silently ignored.
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
