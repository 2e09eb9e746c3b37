// Package config provides configuration management for the balance sentinel application.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/balance-sentinel/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   ChainsConfig
	Cache    CacheConfig
	Backup   BackupConfig
	Detector DetectorConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
	Admin    AdminConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestsPerHour int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds per-network chain access configuration
type ChainsConfig struct {
	Timeout        time.Duration // hard deadline for one balance fetch
	RequestsPerSec float64       // client-side explorer rate limit
	MaxRetries     int
	BreakerTrips   uint32 // consecutive failures before the breaker opens
	BreakerCooloff time.Duration
	Budget         BudgetConfig
	Networks       map[types.Network]NetworkConfig
}

// BudgetConfig holds the provider request budget shared by every instance
// through Redis. Interactive reads draw from the reserved pool, scheduled
// sweeps from what is left.
type BudgetConfig struct {
	Enabled      bool
	Total        int // request units per window
	Reserved     int
	Window       time.Duration
	MaxWait      time.Duration
	ExplorerCost int // units per explorer fetch (two HTTP calls)
	RPCCost      int // units per batched RPC fetch
}

// NetworkConfig holds configuration for one network
type NetworkConfig struct {
	ExplorerURL    string
	RPCURL         string
	NativeSymbol   string
	NativeDecimals int
	Tokens         []TokenConfig // ERC-20 tokens queried over RPC
}

// TokenConfig describes one ERC-20 contract
type TokenConfig struct {
	Symbol   string
	Contract string
	Decimals int
}

// CacheConfig holds shared cache configuration
type CacheConfig struct {
	TTL          time.Duration // lifetime of a balance entry in Redis
	MaxStaleness time.Duration // entries older than this are not served
	BaselineTTL  time.Duration // lifetime of detector baselines
}

// BackupConfig holds backup tier configuration
type BackupConfig struct {
	SessionTTL      time.Duration
	WALDir          string
	WALSegmentSize  int
	WALMaxSegments  int
	EnableWAL       bool
	EnableDurable   bool
	EnableLastKnown bool
	WriteTimeout    time.Duration
}

// DetectorConfig holds change detector configuration
type DetectorConfig struct {
	Enabled            bool
	Schedule           string // cron expression, e.g. "@every 60s"
	Concurrency        int
	CycleTimeout       time.Duration
	ThresholdPercent   string
	TrackedUsersFile   string // optional YAML file; Postgres is used when empty
	BaselineInRedis    bool
	ForceCheckDeadline time.Duration
}

// NotifyConfig holds notification pipeline configuration
type NotifyConfig struct {
	QueueSize     int
	Workers       int
	SoundInterval time.Duration
	BurstWindow   time.Duration
	Persist       bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// AdminConfig holds administrative surface configuration
type AdminConfig struct {
	Token string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RequestsPerHour: getEnvAsInt("SERVER_REQUESTS_PER_HOUR", 3600),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "balance_sentinel"),
				User:           getEnv("POSTGRES_USER", "sentinel"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "balance_sentinel"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			TTL:          getEnvAsDuration("CACHE_TTL", 5*time.Minute),
			MaxStaleness: getEnvAsDuration("CACHE_MAX_STALENESS", 10*time.Minute),
			BaselineTTL:  getEnvAsDuration("CACHE_BASELINE_TTL", 7*24*time.Hour),
		},
		Backup: BackupConfig{
			SessionTTL:      getEnvAsDuration("BACKUP_SESSION_TTL", 12*time.Hour),
			WALDir:          getEnv("BACKUP_WAL_DIR", "./data/wal"),
			WALSegmentSize:  getEnvAsInt("BACKUP_WAL_SEGMENT_SIZE", 1000),
			WALMaxSegments:  getEnvAsInt("BACKUP_WAL_MAX_SEGMENTS", 20),
			EnableWAL:       getEnvAsBool("BACKUP_ENABLE_WAL", true),
			EnableDurable:   getEnvAsBool("BACKUP_ENABLE_DURABLE", true),
			EnableLastKnown: getEnvAsBool("BACKUP_ENABLE_LAST_KNOWN", true),
			WriteTimeout:    getEnvAsDuration("BACKUP_WRITE_TIMEOUT", 5*time.Second),
		},
		Detector: DetectorConfig{
			Enabled:            getEnvAsBool("DETECTOR_ENABLED", true),
			Schedule:           getEnv("DETECTOR_SCHEDULE", "@every 60s"),
			Concurrency:        getEnvAsInt("DETECTOR_CONCURRENCY", 8),
			CycleTimeout:       getEnvAsDuration("DETECTOR_CYCLE_TIMEOUT", 30*time.Second),
			ThresholdPercent:   getEnv("DETECTOR_THRESHOLD_PERCENT", "5"),
			TrackedUsersFile:   getEnv("DETECTOR_TRACKED_USERS_FILE", ""),
			BaselineInRedis:    getEnvAsBool("DETECTOR_BASELINE_IN_REDIS", true),
			ForceCheckDeadline: getEnvAsDuration("DETECTOR_FORCE_CHECK_DEADLINE", 2*time.Minute),
		},
		Notify: NotifyConfig{
			QueueSize:     getEnvAsInt("NOTIFY_QUEUE_SIZE", 1024),
			Workers:       getEnvAsInt("NOTIFY_WORKERS", 4),
			SoundInterval: getEnvAsDuration("NOTIFY_SOUND_INTERVAL", 2*time.Second),
			BurstWindow:   getEnvAsDuration("NOTIFY_BURST_WINDOW", 30*time.Second),
			Persist:       getEnvAsBool("NOTIFY_PERSIST", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_ENDPOINT", ""),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_INSECURE", true),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "balance-sentinel"),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 0.1),
		},
		Admin: AdminConfig{
			Token: getEnv("ADMIN_TOKEN", ""),
		},
	}

	chains, err := loadChainConfigs()
	if err != nil {
		return nil, err
	}
	config.Chains = chains

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.Cache.MaxStaleness <= 0 {
		return fmt.Errorf("CACHE_MAX_STALENESS must be positive")
	}
	if c.Chains.Timeout <= 0 {
		return fmt.Errorf("CHAIN_TIMEOUT must be positive")
	}
	if b := c.Chains.Budget; b.Enabled && (b.Total <= 0 || b.Reserved < 0 || b.Reserved > b.Total) {
		return fmt.Errorf("CHAIN_BUDGET_RESERVED must be between 0 and CHAIN_BUDGET_TOTAL")
	}
	if c.Detector.Concurrency <= 0 {
		return fmt.Errorf("DETECTOR_CONCURRENCY must be positive")
	}
	if c.Notify.SoundInterval < 2*time.Second {
		return fmt.Errorf("NOTIFY_SOUND_INTERVAL must be at least 2s")
	}
	pct, err := decimal.NewFromString(c.Detector.ThresholdPercent)
	if err != nil {
		return fmt.Errorf("DETECTOR_THRESHOLD_PERCENT: %w", err)
	}
	if pct.IsNegative() {
		return fmt.Errorf("DETECTOR_THRESHOLD_PERCENT must be >= 0")
	}
	return nil
}

// loadChainConfigs loads network-specific configurations.
// Each network reads <PREFIX>_EXPLORER_URL, <PREFIX>_RPC_URL,
// <PREFIX>_NATIVE_SYMBOL and <PREFIX>_TOKENS ("SYM:0xcontract:decimals,...").
func loadChainConfigs() (ChainsConfig, error) {
	cfg := ChainsConfig{
		Timeout:        getEnvAsDuration("CHAIN_TIMEOUT", 8*time.Second),
		RequestsPerSec: getEnvAsFloat("CHAIN_REQUESTS_PER_SEC", 5),
		MaxRetries:     getEnvAsInt("CHAIN_MAX_RETRIES", 2),
		BreakerTrips:   uint32(getEnvAsInt("CHAIN_BREAKER_TRIPS", 5)),
		BreakerCooloff: getEnvAsDuration("CHAIN_BREAKER_COOLOFF", 30*time.Second),
		Budget: BudgetConfig{
			Enabled:      getEnvAsBool("CHAIN_BUDGET_ENABLED", false),
			Total:        getEnvAsInt("CHAIN_BUDGET_TOTAL", 20),
			Reserved:     getEnvAsInt("CHAIN_BUDGET_RESERVED", 8),
			Window:       getEnvAsDuration("CHAIN_BUDGET_WINDOW", time.Second),
			MaxWait:      getEnvAsDuration("CHAIN_BUDGET_MAX_WAIT", 5*time.Second),
			ExplorerCost: getEnvAsInt("CHAIN_BUDGET_EXPLORER_COST", 2),
			RPCCost:      getEnvAsInt("CHAIN_BUDGET_RPC_COST", 1),
		},
		Networks:       make(map[types.Network]NetworkConfig),
	}

	defaults := map[types.Network]string{
		types.NetworkMainnet: "AZE",
		types.NetworkTestnet: "AZE-t",
	}

	for _, network := range types.Networks {
		prefix := strings.ToUpper(string(network))
		tokens, err := parseTokens(getEnv(prefix+"_TOKENS", ""))
		if err != nil {
			return ChainsConfig{}, fmt.Errorf("%s_TOKENS: %w", prefix, err)
		}
		cfg.Networks[network] = NetworkConfig{
			ExplorerURL:    getEnv(prefix+"_EXPLORER_URL", ""),
			RPCURL:         getEnv(prefix+"_RPC_URL", ""),
			NativeSymbol:   getEnv(prefix+"_NATIVE_SYMBOL", defaults[network]),
			NativeDecimals: getEnvAsInt(prefix+"_NATIVE_DECIMALS", 18),
			Tokens:         tokens,
		}
	}

	return cfg, nil
}

func parseTokens(value string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected SYMBOL:CONTRACT:DECIMALS, got %q", item)
		}
		decimals, err := strconv.Atoi(parts[2])
		if err != nil || decimals < 0 {
			return nil, fmt.Errorf("invalid decimals in %q", item)
		}
		tokens = append(tokens, TokenConfig{
			Symbol:   parts[0],
			Contract: parts[1],
			Decimals: decimals,
		})
	}
	return tokens, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
