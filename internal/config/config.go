// Package config provides configuration for the orchestrator.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// External collaborators
	AgentURL      string
	TranscriptURL string

	// Timeouts
	AgentTimeout time.Duration

	// Lease settings. LeaseRefresh must be strictly less than LeaseTTL so
	// an owner refreshes before its lease can expire.
	LeaseTTL     time.Duration
	LeaseRefresh time.Duration

	// Streaming
	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// Turn limits
	MaxToolCalls          int
	ToolProgressThreshold int
	PlanningBudgetChars   int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:              getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:           getEnv("DATABASE_URL", "file:conductor.db?cache=shared&mode=rwc"),
		AgentURL:              getEnv("AGENT_URL", "http://localhost:8100"),
		TranscriptURL:         getEnv("TRANSCRIPT_URL", ""),
		AgentTimeout:          time.Duration(getEnvInt("AGENT_TIMEOUT_MS", 300000)) * time.Millisecond,
		LeaseTTL:              time.Duration(getEnvInt("LEASE_TTL_MS", 30000)) * time.Millisecond,
		LeaseRefresh:          time.Duration(getEnvInt("LEASE_REFRESH_MS", 10000)) * time.Millisecond,
		HeartbeatInterval:     time.Duration(getEnvInt("HEARTBEAT_MS", 15000)) * time.Millisecond,
		PollInterval:          time.Duration(getEnvInt("POLL_MS", 1000)) * time.Millisecond,
		MaxToolCalls:          getEnvInt("MAX_TOOL_CALLS", 25),
		ToolProgressThreshold: getEnvInt("TOOL_PROGRESS_THRESHOLD", 8),
		PlanningBudgetChars:   getEnvInt("PLANNING_BUDGET_CHARS", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	if cfg.LeaseRefresh >= cfg.LeaseTTL {
		log.Printf("WARN: LEASE_REFRESH_MS must be less than LEASE_TTL_MS, clamping to ttl/3")
		cfg.LeaseRefresh = cfg.LeaseTTL / 3
	}

	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
