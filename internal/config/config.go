// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/agenthub/agenthub/internal/units"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply pending migrations on startup
	RedisURL    string // Sensor cache backend (optional, uses in-memory if not set)

	// Chain settings
	RPCURL                string
	ChainID               int64
	ChainName             string // x402 network name, e.g. "avalanche-fuji"
	USDCContract          string
	MerchantAddress       string // Receives x402 payments
	FacilitatorPrivateKey string // Hex-encoded; signs /x402/pay transfers
	RPCTimeout            time.Duration

	// Agent ledger
	MinStake        string // Minimum collateral in ether
	OperatorAddress string // Platform operator: reputation reports, revenue admin

	// AI proxy
	GeminiAPIKey string
	AITimeout    time.Duration

	// HTTP
	RateLimitRPS   int
	AllowedOrigins []string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Avalanche Fuji defaults
const (
	DefaultRPCURL       = "https://api.avax-test.network/ext/bc/C/rpc"
	DefaultChainID      = 43113
	DefaultChainName    = "avalanche-fuji"
	DefaultUSDCContract = "0x5425890298aed601595a70AB815c96711a31Bc65" // Fuji USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultMinStake     = "1"
	DefaultRateLimit    = 100
	DefaultRPCTimeout   = 10 * time.Second
	DefaultAITimeout    = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		RedisURL:              os.Getenv("REDIS_URL"),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		ChainName:             getEnv("CHAIN_NAME", DefaultChainName),
		USDCContract:          getEnv("USDC_CONTRACT", DefaultUSDCContract),
		MerchantAddress:       os.Getenv("MERCHANT_ADDRESS"),
		FacilitatorPrivateKey: os.Getenv("FACILITATOR_PRIVATE_KEY"),
		RPCTimeout:            getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		MinStake:              getEnv("MIN_STAKE", DefaultMinStake),
		OperatorAddress:       os.Getenv("OPERATOR_ADDRESS"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", os.Getenv("GOOGLE_GEMINI_API_KEY")),
		AITimeout:             getEnvDuration("AI_TIMEOUT", DefaultAITimeout),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:        getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if !common.IsHexAddress(c.USDCContract) {
		return fmt.Errorf("USDC_CONTRACT must be a valid address")
	}

	if c.MerchantAddress != "" && !common.IsHexAddress(c.MerchantAddress) {
		return fmt.Errorf("MERCHANT_ADDRESS must be a valid address")
	}
	if c.IsProduction() && c.MerchantAddress == "" {
		return fmt.Errorf("MERCHANT_ADDRESS is required in production")
	}
	if c.OperatorAddress != "" && !common.IsHexAddress(c.OperatorAddress) {
		return fmt.Errorf("OPERATOR_ADDRESS must be a valid address")
	}

	if c.FacilitatorPrivateKey != "" {
		if len(strings.TrimPrefix(c.FacilitatorPrivateKey, "0x")) != 64 {
			return fmt.Errorf("FACILITATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	minStake, err := units.ParseEther(c.MinStake)
	if err != nil || minStake.Sign() <= 0 {
		return fmt.Errorf("MIN_STAKE must be a positive ether amount")
	}

	if c.RPCTimeout <= 0 || c.AITimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT and AI_TIMEOUT must be positive durations")
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

// PaymentsEnabled reports whether x402 gates can verify payments.
func (c *Config) PaymentsEnabled() bool {
	return c.MerchantAddress != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
