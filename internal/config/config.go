// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wagering settings
	StartingGrant  int64 // Units credited to a new user's ledger on first interaction
	PlatformFeeBps int64 // Platform fee on the total pot at resolution, basis points
	MinStake       int64
	MaxStake       int64

	// Settlement
	TxMaxAttempts int           // Retries for transaction conflicts before surfacing ErrConflict
	ExpirySweep   bool          // Enable the time-limit expiry sweeper (policy extension)
	SweepInterval time.Duration

	// Security
	AdminBootstrapKey string // Pre-shared admin API key (sk_...), minted on startup if set
	RateLimitRPS      int

	// Payments (Stripe top-up; peripheral, only touches Ledger.Credit/Debit)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultStartingGrant = 100
	DefaultFeeBps        = 500 // 5% of the pot
	DefaultMinStake      = 1
	DefaultMaxStake      = 1_000_000
	DefaultTxAttempts    = 5
	DefaultSweepInterval = 30 * time.Second
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StartingGrant:       getEnvInt64("STARTING_GRANT", DefaultStartingGrant),
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		MinStake:            getEnvInt64("MIN_STAKE", DefaultMinStake),
		MaxStake:            getEnvInt64("MAX_STAKE", DefaultMaxStake),
		TxMaxAttempts:       int(getEnvInt64("TX_MAX_ATTEMPTS", DefaultTxAttempts)),
		ExpirySweep:         getEnvBool("EXPIRY_SWEEP", false),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminBootstrapKey:   os.Getenv("ADMIN_BOOTSTRAP_KEY"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are coherent
func (c *Config) Validate() error {
	if c.StartingGrant < 0 {
		return fmt.Errorf("STARTING_GRANT must be non-negative")
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000)")
	}
	if c.MinStake <= 0 {
		return fmt.Errorf("MIN_STAKE must be positive")
	}
	if c.MaxStake < c.MinStake {
		return fmt.Errorf("MAX_STAKE must be >= MIN_STAKE")
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be positive")
	}
	if c.StripeWebhookSecret == "" && c.StripeSecretKey != "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
