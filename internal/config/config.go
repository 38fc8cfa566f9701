package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// Pipeline server connection
	ServerURL     string
	Token         string
	ClientTimeout time.Duration

	// Status channel
	PollInterval time.Duration
	MaxPolls     int

	// Clarification loop
	MaxRounds int
	Threshold float64

	// Local history
	HistoryDB string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		// Server
		ServerURL:     getEnv("CASEWORK_SERVER_URL", "http://localhost:8090"),
		Token:         getEnv("CASEWORK_TOKEN", ""),
		ClientTimeout: getDuration("CASEWORK_CLIENT_TIMEOUT", 30*time.Second),

		// Status channel
		PollInterval: getDuration("CASEWORK_POLL_INTERVAL", 2*time.Second),
		MaxPolls:     getInt("CASEWORK_MAX_POLLS", 60),

		// Clarification
		MaxRounds: getInt("CASEWORK_MAX_ROUNDS", 3),
		Threshold: getFloat("CASEWORK_THRESHOLD", 0.9),

		// History
		HistoryDB: getEnv("CASEWORK_HISTORY_DB", defaultHistoryPath()),

		// Logging (file output is off unless a path is set)
		LogFile:  getEnv("CASEWORK_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("CASEWORK_LOG_LEVEL", "INFO")),
	}
}

// defaultHistoryPath puts the session history next to the user's other app
// data, falling back to the working directory when home is unknown.
func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "casework.db"
	}
	return filepath.Join(home, ".casework", "history.db")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 || f > 1 {
		return defaultVal
	}
	return f
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
