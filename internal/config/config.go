// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// HTTP surface
	CORSOrigins    []string
	RateLimitRPM   int // 0 disables rate limiting
	RateLimitBurst int

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional)
	LevelDBPath string // LevelDB directory for transactions when no DATABASE_URL

	// Identities
	AdminAddr     string // Fixed admin identity, required
	CustodianAddr string // Reserved escrow account

	// Deadlines, in height units
	DefaultLifetime uint64
	MinLifetime     uint64
	MaxLifetime     uint64
	MaxExtension    uint64

	// Time source
	RPCURL        string        // Chain RPC; when set, heights are block numbers
	BlockInterval time.Duration // Wall-clock height granularity
	GenesisTime   time.Time

	// Observability and events
	OTLPEndpoint      string
	AMQPURL           string
	AMQPExchange      string
	ReconcileInterval time.Duration

	// ReceiptSecret keys the HMAC on settlement receipts; empty disables them.
	ReceiptSecret string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCustodianAddr     = "escrow:custodian"
	DefaultAMQPExchange      = "escrow.events"
	DefaultBlockInterval     = 10 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimitRPM      = 600
	DefaultRateLimitBurst    = 50
)

// DefaultGenesisTime anchors wall-clock heights when GENESIS_TIME is unset.
var DefaultGenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	d := escrow.DefaultDeadline()
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LevelDBPath:       os.Getenv("LEVELDB_PATH"),
		AdminAddr:         strings.TrimSpace(os.Getenv("ADMIN_ADDR")),
		CustodianAddr:     getEnv("CUSTODIAN_ADDR", DefaultCustodianAddr),
		DefaultLifetime:   getEnvUint64("DEFAULT_LIFETIME", d.DefaultLifetime),
		MinLifetime:       getEnvUint64("MIN_LIFETIME", d.MinLifetime),
		MaxLifetime:       getEnvUint64("MAX_LIFETIME", d.MaxLifetime),
		MaxExtension:      getEnvUint64("MAX_EXTENSION", d.MaxExtension),
		RPCURL:            os.Getenv("RPC_URL"),
		BlockInterval:     getEnvDuration("BLOCK_INTERVAL", DefaultBlockInterval),
		GenesisTime:       getEnvTime("GENESIS_TIME", DefaultGenesisTime),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReceiptSecret:     os.Getenv("RECEIPT_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.AdminAddr), strings.TrimSpace(c.CustodianAddr)) {
		return fmt.Errorf("ADMIN_ADDR must differ from CUSTODIAN_ADDR")
	}
	if strings.TrimSpace(c.CustodianAddr) == "" {
		return fmt.Errorf("CUSTODIAN_ADDR must not be empty")
	}

	if c.MinLifetime < 1 {
		return fmt.Errorf("MIN_LIFETIME must be at least 1")
	}
	if c.MinLifetime > c.DefaultLifetime || c.DefaultLifetime > c.MaxLifetime {
		return fmt.Errorf("lifetimes must satisfy MIN_LIFETIME <= DEFAULT_LIFETIME <= MAX_LIFETIME (got %d, %d, %d)",
			c.MinLifetime, c.DefaultLifetime, c.MaxLifetime)
	}
	if c.MaxExtension < 1 {
		return fmt.Errorf("MAX_EXTENSION must be at least 1")
	}

	if c.RPCURL == "" && c.BlockInterval <= 0 {
		return fmt.Errorf("BLOCK_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst == 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.ReceiptSecret != "" && len(c.ReceiptSecret) < 32 {
		return fmt.Errorf("RECEIPT_SECRET must be at least 32 bytes")
	}

	return nil
}

// Deadline returns the deadline bounds for the escrow service.
func (c *Config) Deadline() escrow.Deadline {
	return escrow.Deadline{
		DefaultLifetime: c.DefaultLifetime,
		MinLifetime:     c.MinLifetime,
		MaxLifetime:     c.MaxLifetime,
		MaxExtension:    c.MaxExtension,
	}
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
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

func getEnvTime(key string, defaultValue time.Time) time.Time {
	if value := os.Getenv(key); value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t
		}
	}
	return defaultValue
}
