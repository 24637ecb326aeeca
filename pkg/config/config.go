// Package config loads runtime configuration from the environment and
// autonomy profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration.
type Config struct {
	DryRun           bool
	RequireApproval  bool
	TimeoutHours     int
	MaxActionsPerRun int
	Parallelism      int
	RatePerMinute    int
	RateBurst        int

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel     string
	OTLPEndpoint string
	ProfilePath  string
}

// Load reads configuration from environment variables with defaults suited
// to a local sqlite deployment.
func Load() *Config {
	return &Config{
		DryRun:           envBool("FISCALPILOT_DRY_RUN", false),
		RequireApproval:  envBool("FISCALPILOT_REQUIRE_APPROVAL", true),
		TimeoutHours:     envInt("FISCALPILOT_TIMEOUT_HOURS", 72),
		MaxActionsPerRun: envInt("FISCALPILOT_MAX_ACTIONS_PER_RUN", 50),
		Parallelism:      envInt("FISCALPILOT_PARALLELISM", 4),
		RatePerMinute:    envInt("FISCALPILOT_RATE_PER_MINUTE", 30),
		RateBurst:        envInt("FISCALPILOT_RATE_BURST", 10),
		DBDriver:         envStr("FISCALPILOT_DB_DRIVER", "sqlite"),
		DBDSN:            envStr("FISCALPILOT_DB_DSN", "file:fiscalpilot.db?_pragma=journal_mode(WAL)"),
		RedisAddr:        os.Getenv("FISCALPILOT_REDIS_ADDR"),
		RedisPassword:    os.Getenv("FISCALPILOT_REDIS_PASSWORD"),
		RedisDB:          envInt("FISCALPILOT_REDIS_DB", 0),
		LogLevel:         envStr("FISCALPILOT_LOG_LEVEL", "INFO"),
		OTLPEndpoint:     os.Getenv("FISCALPILOT_OTLP_ENDPOINT"),
		ProfilePath:      os.Getenv("FISCALPILOT_PROFILE"),
	}
}

// Timeout returns the approval window as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours) * time.Hour
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
