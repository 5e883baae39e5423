package middleware

import (
	"time"

	"github.com/correlator-io/seeder/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: applied to all requests
//   - Per-client: applied per X-Client-ID header, or per remote host without one
//
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 50
	ClientRPS int // Default: 10

	GlobalBurst int
	ClientBurst int

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 1,000
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("SEEDER_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("SEEDER_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("SEEDER_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("SEEDER_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration("SEEDER_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("SEEDER_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("SEEDER_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
