// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, in-memory stores when empty)
	DatabaseURL string
	AutoMigrate bool

	// Auth
	JWTSecret  string
	ArbiterIDs []string // users allowed to resolve disputes

	// Chain (optional, simulated pallet when RPCURL or EscrowContract is empty)
	RPCURL              string
	ChainID             int64
	EscrowContract      string
	EscrowPrivateKey    string // Hex-encoded, with or without 0x
	ChainConfirmations  uint64
	ChainCallTimeout    time.Duration
	ChainFinalityWindow time.Duration

	// Liveness timeouts
	EscrowTimeout  time.Duration
	PaymentTimeout time.Duration
	ConfirmTimeout time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	// HTTP edge
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing
	OTLPEndpoint string
}

// Defaults. The four liveness values are milliseconds in the environment.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultChainID          = 84532
	DefaultEscrowTimeoutMs  = 600000
	DefaultPaymentTimeoutMs = 1800000
	DefaultConfirmTimeoutMs = 1800000
	DefaultSweepIntervalMs  = 60000
	DefaultSweepBatchSize   = 100
	DefaultChainCallMs      = 60000
	DefaultChainFinalityMs  = 30000
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AutoMigrate:      getEnvBool("AUTO_MIGRATE", false),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		ArbiterIDs:       splitList(os.Getenv("ARBITER_IDS")),
		RPCURL:           os.Getenv("RPC_URL"),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		EscrowPrivateKey: os.Getenv("ESCROW_PRIVATE_KEY"),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	confirmations := getEnvInt64("CHAIN_CONFIRMATIONS", 1)
	if confirmations < 0 {
		return nil, fmt.Errorf("CHAIN_CONFIRMATIONS must not be negative")
	}
	cfg.ChainConfirmations = uint64(confirmations)

	millis := []struct {
		key  string
		def  int64
		dest *time.Duration
	}{
		{"ESCROW_TIMEOUT_MS", DefaultEscrowTimeoutMs, &cfg.EscrowTimeout},
		{"PAYMENT_TIMEOUT_MS", DefaultPaymentTimeoutMs, &cfg.PaymentTimeout},
		{"CONFIRM_TIMEOUT_MS", DefaultConfirmTimeoutMs, &cfg.ConfirmTimeout},
		{"SWEEP_INTERVAL_MS", DefaultSweepIntervalMs, &cfg.SweepInterval},
		{"CHAIN_CALL_TIMEOUT_MS", DefaultChainCallMs, &cfg.ChainCallTimeout},
		{"CHAIN_FINALITY_TIMEOUT_MS", DefaultChainFinalityMs, &cfg.ChainFinalityWindow},
	}
	for _, m := range millis {
		ms, err := getEnvPositiveInt64(m.key, m.def)
		if err != nil {
			return nil, err
		}
		*m.dest = time.Duration(ms) * time.Millisecond
	}

	batch, err := getEnvPositiveInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)
	if err != nil {
		return nil, err
	}
	cfg.SweepBatchSize = int(batch)

	rpm, err := getEnvPositiveInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	if err != nil {
		return nil, err
	}
	burst, err := getEnvPositiveInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPM, cfg.RateLimitBurst = int(rpm), int(burst)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}

	if c.EscrowTimeout <= 0 || c.PaymentTimeout <= 0 || c.ConfirmTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("escrow, payment, confirm and sweep intervals must be positive")
	}

	if c.ChainEnabled() {
		key := strings.TrimPrefix(c.EscrowPrivateKey, "0x")
		if key == "" {
			return fmt.Errorf("ESCROW_PRIVATE_KEY is required when RPC_URL and ESCROW_CONTRACT are set")
		}
		if len(key) != 64 {
			return fmt.Errorf("ESCROW_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("CHAIN_ID must be positive")
		}
	}

	return nil
}

// ChainEnabled reports whether a real escrow contract is configured.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != "" && c.EscrowContract != ""
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

// getEnvPositiveInt64 is strict: a present but malformed or non-positive
// value is an error rather than a silent fallback.
func getEnvPositiveInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if i <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, i)
	}
	return i, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
