// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/nftswap/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string // Address of the swap escrow contract
	RPCMaxAttempts int
	RPCRetryDelay  time.Duration

	// Receipt cache
	RedisURL         string // Optional, uses in-memory cache if not set
	ReceiptCacheTTL  time.Duration
	ReceiptCacheSize int

	// VerifyCreation resolves the creation tx on-chain before indexing a trade.
	VerifyCreation bool

	// Escrow event sync
	SyncPollInterval time.Duration // 0 (default) disables the watcher
	SyncStartBlock   uint64        // 0 starts at the latest block
	SyncMaxRange     uint64        // blocks per eth_getLogs query

	// HTTP edge
	CORSOrigins    []string // empty allows any origin
	RateLimitRPM   int      // requests per minute per wallet or IP; 0 disables
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL           = "https://sepolia.base.org"
	DefaultChainID          = 84532 // Base Sepolia
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRPCMaxAttempts   = 3
	DefaultRPCRetryDelay    = 250 * time.Millisecond
	DefaultReceiptCacheTTL  = 10 * time.Minute
	DefaultReceiptCacheSize = 4096
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
	DefaultSyncMaxRange     = 2000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:   strings.TrimSpace(os.Getenv("ESCROW_CONTRACT")), // Required, no default
		RPCMaxAttempts:   int(getEnvInt64("RPC_MAX_ATTEMPTS", DefaultRPCMaxAttempts)),
		RPCRetryDelay:    getEnvDuration("RPC_RETRY_DELAY", DefaultRPCRetryDelay),
		RedisURL:         os.Getenv("REDIS_URL"),
		ReceiptCacheTTL:  getEnvDuration("RECEIPT_CACHE_TTL", DefaultReceiptCacheTTL),
		ReceiptCacheSize: int(getEnvInt64("RECEIPT_CACHE_SIZE", DefaultReceiptCacheSize)),
		VerifyCreation:   getEnvBool("VERIFY_CREATION", true),
		SyncPollInterval: getEnvDuration("SYNC_POLL_INTERVAL", 0),
		SyncStartBlock:   uint64(max(getEnvInt64("SYNC_START_BLOCK", 0), 0)),
		SyncMaxRange:     uint64(max(getEnvInt64("SYNC_MAX_BLOCK_RANGE", DefaultSyncMaxRange), 0)),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if !validation.IsValidEthAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 20-byte hex address")
	}
	if c.RPCMaxAttempts < 1 {
		return fmt.Errorf("RPC_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReceiptCacheTTL <= 0 {
		return fmt.Errorf("RECEIPT_CACHE_TTL must be positive")
	}
	if c.ReceiptCacheSize < 1 {
		return fmt.Errorf("RECEIPT_CACHE_SIZE must be at least 1")
	}
	if c.SyncPollInterval < 0 {
		return fmt.Errorf("SYNC_POLL_INTERVAL must not be negative")
	}
	if c.SyncPollInterval > 0 && c.SyncMaxRange < 1 {
		return fmt.Errorf("SYNC_MAX_BLOCK_RANGE must be at least 1")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
