// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	SessionTTL    time.Duration
	Room          RoomConfig
	Token         TokenConfig
	Stream        StreamConfig
	TranscriptLog TranscriptLogConfig
}

// RoomConfig points at the real-time room provider.
type RoomConfig struct {
	ProviderURL string
}

// TokenConfig controls room connection token issuance.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// StreamConfig controls the SSE event stream endpoint.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	ReplayQueueSize   int
}

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/voicedesk.db"),
		SessionTTL:  time.Duration(getEnvInt("SESSION_TTL_MINUTES", 60)) * time.Minute,
		Room: RoomConfig{
			ProviderURL: getEnv("ROOM_PROVIDER_URL", "ws://localhost:7880/rtc"),
		},
		Token: TokenConfig{
			Secret: getEnv("TOKEN_SECRET", ""),
			Issuer: getEnv("TOKEN_ISSUER", "voicedesk"),
			TTL:    time.Duration(getEnvInt("TOKEN_TTL_MINUTES", 15)) * time.Minute,
		},
		Stream: StreamConfig{
			KeepaliveInterval: time.Duration(getEnvInt("STREAM_KEEPALIVE_SECONDS", 25)) * time.Second,
			RetryDelay:        time.Duration(getEnvInt("STREAM_RETRY_MS", 3000)) * time.Millisecond,
			ReplayQueueSize:   getEnvInt("STREAM_REPLAY_QUEUE_SIZE", 256),
		},
		TranscriptLog: TranscriptLogConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Room.ProviderURL == "" {
		return fmt.Errorf("ROOM_PROVIDER_URL cannot be empty")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("TOKEN_SECRET cannot be empty")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL_MINUTES must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be > 0")
	}
	if c.Stream.ReplayQueueSize <= 0 {
		return fmt.Errorf("STREAM_REPLAY_QUEUE_SIZE must be > 0")
	}
	if c.TranscriptLog.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
