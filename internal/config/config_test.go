package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-secret"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "RPC_URL", "")
	setEnv(t, "ESCROW_CONTRACT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.EscrowTimeout)
	assert.Equal(t, 30*time.Minute, cfg.PaymentTimeout)
	assert.Equal(t, 30*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, DefaultSweepBatchSize, cfg.SweepBatchSize)
	assert.False(t, cfg.ChainEnabled())
}

func TestLoad_TimeoutOverrides(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "ESCROW_TIMEOUT_MS", "1000")
	setEnv(t, "SWEEP_INTERVAL_MS", "250")
	setEnv(t, "ARBITER_IDS", "arb_1, arb_2,,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.EscrowTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, []string{"arb_1", "arb_2"}, cfg.ArbiterIDs)
}

func TestLoad_RejectsNonPositiveTimeout(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PAYMENT_TIMEOUT_MS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_TIMEOUT_MS must be positive")
}

func TestLoad_RejectsMalformedTimeout(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "CONFIRM_TIMEOUT_MS", "30m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIRM_TIMEOUT_MS must be an integer")
}

func TestLoad_MissingSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			JWTSecret:      testSecret,
			ChainID:        DefaultChainID,
			EscrowTimeout:  time.Minute,
			PaymentTimeout: time.Minute,
			ConfirmTimeout: time.Minute,
			SweepInterval:  time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid without chain", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 16"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "must be positive"},
		{"chain without key", func(c *Config) {
			c.RPCURL = "http://localhost:8545"
			c.EscrowContract = "0x00000000000000000000000000000000000000e5"
		}, "ESCROW_PRIVATE_KEY is required"},
		{"chain with short key", func(c *Config) {
			c.RPCURL = "http://localhost:8545"
			c.EscrowContract = "0x00000000000000000000000000000000000000e5"
			c.EscrowPrivateKey = "0xabc"
		}, "64 hex characters"},
		{"chain with valid key", func(c *Config) {
			c.RPCURL = "http://localhost:8545"
			c.EscrowContract = "0x00000000000000000000000000000000000000e5"
			c.EscrowPrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}
