package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEscrow = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		RPCURL:           DefaultRPCURL,
		EscrowContract:   testEscrow,
		RPCMaxAttempts:   DefaultRPCMaxAttempts,
		ReceiptCacheTTL:  DefaultReceiptCacheTTL,
		ReceiptCacheSize: DefaultReceiptCacheSize,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ESCROW_CONTRACT", testEscrow)
	setEnv(t, "PORT", "9090")
	setEnv(t, "RECEIPT_CACHE_TTL", "90s")
	setEnv(t, "VERIFY_CREATION", "false")
	setEnv(t, "SYNC_START_BLOCK", "1200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, testEscrow, cfg.EscrowContract)
	assert.Equal(t, 90*time.Second, cfg.ReceiptCacheTTL)
	assert.Equal(t, DefaultReceiptCacheSize, cfg.ReceiptCacheSize)
	assert.False(t, cfg.VerifyCreation)
	assert.Zero(t, cfg.SyncPollInterval, "event sync is opt-in")
	assert.Equal(t, uint64(1200), cfg.SyncStartBlock)
	assert.Equal(t, uint64(DefaultSyncMaxRange), cfg.SyncMaxRange)
}

func TestLoad_MissingEscrowContract(t *testing.T) {
	setEnv(t, "ESCROW_CONTRACT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "malformed escrow address",
			mutate:  func(c *Config) { c.EscrowContract = "0x1234" },
			wantErr: "ESCROW_CONTRACT must be",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.RPCMaxAttempts = 0 },
			wantErr: "RPC_MAX_ATTEMPTS",
		},
		{
			name:    "non-positive ttl",
			mutate:  func(c *Config) { c.ReceiptCacheTTL = 0 },
			wantErr: "RECEIPT_CACHE_TTL",
		},
		{
			name:    "empty cache",
			mutate:  func(c *Config) { c.ReceiptCacheSize = 0 },
			wantErr: "RECEIPT_CACHE_SIZE",
		},
		{
			name:    "negative sync interval",
			mutate:  func(c *Config) { c.SyncPollInterval = -time.Second },
			wantErr: "SYNC_POLL_INTERVAL",
		},
		{
			name:    "sync enabled without range",
			mutate:  func(c *Config) { c.SyncPollInterval = time.Second; c.SyncMaxRange = 0 },
			wantErr: "SYNC_MAX_BLOCK_RANGE",
		},
		{
			name:    "sync disabled ignores range",
			mutate:  func(c *Config) { c.SyncPollInterval = 0; c.SyncMaxRange = 0 },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "5m")
	setEnv(t, "TEST_BOOL", "false")

	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
	assert.Equal(t, 5*time.Minute, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("TEST_INVALID", true))

	setEnv(t, "TEST_LIST", " https://a.example, ,https://b.example ")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
