package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the message stream service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	TokensFile        string
	DefaultRole       string
	DefaultName       string
	StreamIdleTimeout time.Duration
	FirstDeltaSLO     time.Duration
	LiveBuffer        int

	UpstreamMode        string
	UpstreamHTTPURL     string
	UpstreamHTTPRetries int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "msgstream"),
		AllowAnyOrigin:   false,
		TokensFile:       stringsTrimSpace("STREAM_TOKENS_FILE"),
		DefaultRole:      envOrDefault("STREAM_DEFAULT_ROLE", "assistant"),
		DefaultName:      stringsTrimSpace("STREAM_DEFAULT_NAME"),
		// 256 fragments covers a long reply burst without blocking the runner.
		LiveBuffer:               256,
		UpstreamMode:             strings.ToLower(envOrDefault("UPSTREAM_MODE", "auto")),
		UpstreamHTTPURL:          stringsTrimSpace("UPSTREAM_HTTP_URL"),
		UpstreamHTTPRetries:      2,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		StreamIdleTimeout:        30 * time.Second,
		FirstDeltaSLO:            800 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamIdleTimeout, err = durationFromEnv("STREAM_IDLE_TIMEOUT", cfg.StreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstDeltaSLO, err = durationFromEnv("STREAM_FIRST_DELTA_SLO", cfg.FirstDeltaSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveBuffer, err = intFromEnv("STREAM_LIVE_BUFFER", cfg.LiveBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamHTTPRetries, err = intFromEnv("UPSTREAM_HTTP_RETRIES", cfg.UpstreamHTTPRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.StreamIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("STREAM_IDLE_TIMEOUT must be positive")
	}
	if cfg.LiveBuffer <= 0 {
		return Config{}, fmt.Errorf("STREAM_LIVE_BUFFER must be positive")
	}
	if cfg.UpstreamHTTPRetries < 0 {
		return Config{}, fmt.Errorf("UPSTREAM_HTTP_RETRIES must be >= 0")
	}
	switch cfg.UpstreamMode {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_MODE must be one of auto, http, mock")
	}
	if cfg.UpstreamMode == "http" && cfg.UpstreamHTTPURL == "" {
		return Config{}, fmt.Errorf("UPSTREAM_HTTP_URL is required when UPSTREAM_MODE=http")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
