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
	Port             string
	AllowedOrigins   string // comma-separated list, "*" allows any origin
	AnthropicAPIKey  string
	AnthropicModel   string
	MCPServerURL     string
	AgentTimeout     time.Duration
	AgentMaxSteps    int
	MaxAttempts      int
	SessionRetention time.Duration
	ReaperInterval   time.Duration
	RateLimit        RateLimitConfig
	Transcript       TranscriptConfig
}

// RateLimitConfig bounds per-client request rates on the turn endpoint.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TranscriptConfig controls the SQLite turn audit log.
type TranscriptConfig struct {
	DBPath    string // empty disables transcript recording
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		AllowedOrigins:   getEnv("ALLOWED_ORIGINS", "*"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		MCPServerURL:     getEnv("MCP_SERVER_URL", "https://payment-ol-mcp.onrender.com/sse"),
		AgentTimeout:     getEnvDuration("AGENT_TIMEOUT", 30*time.Second),
		AgentMaxSteps:    getEnvInt("AGENT_MAX_STEPS", 30),
		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 3),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 24*time.Hour),
		ReaperInterval:   getEnvDuration("REAPER_INTERVAL", time.Hour),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Transcript: TranscriptConfig{
			DBPath:    getEnv("TRANSCRIPT_DB_PATH", ""),
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
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY cannot be empty")
	}
	if c.AnthropicModel == "" {
		return fmt.Errorf("ANTHROPIC_MODEL cannot be empty")
	}
	if c.MCPServerURL == "" {
		return fmt.Errorf("MCP_SERVER_URL cannot be empty")
	}
	if c.AgentTimeout < 30*time.Second || c.AgentTimeout > 60*time.Second {
		return fmt.Errorf("AGENT_TIMEOUT must be between 30s and 60s, got %s", c.AgentTimeout)
	}
	if c.AgentMaxSteps <= 0 {
		return fmt.Errorf("AGENT_MAX_STEPS must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be > 0")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Origins returns the allowed CORS origins as a slice.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
