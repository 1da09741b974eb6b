package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine.
type Config struct {
	Env string // development, staging, production

	Trading  TradingConfig
	Broker   BrokerConfig
	Database DatabaseConfig
	Redis    RedisConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// TradingConfig holds the rotation engine parameters.
type TradingConfig struct {
	Symbols         []string
	ActiveStrategy  string
	StopLossPct     float64 // 0.05 = -5% hard stop
	TakeProfitPct   float64 // 0.15 = +15% target
	WeakScore       float64 // holdings scoring below this are closed
	MaxExposure     float64 // fraction of net liquidation allowed in positions
	MaxNewPositions int     // candidates opened per cycle
	MinOrderValue   float64 // skip allocations smaller than this
	CheckInterval   time.Duration
	LookbackDays    int
	DryRun          bool
	JournalDir      string
	FillWait        time.Duration // bounded wait for close fills before reallocating
}

// BrokerConfig holds venue session configuration.
type BrokerConfig struct {
	URL            string // websocket endpoint of the venue gateway
	Account        string
	SnapshotWait   time.Duration // timeout for market-data snapshots
	HistoricalWait time.Duration // timeout for historical-bar fetches
	AckWait        time.Duration // brief wait for order acknowledgment
	RequestsPerSec int           // outbound message pacing
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL     string
	Enabled bool

	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// Load reads configuration from environment variables.
// This is the only place os.Getenv() is called.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		Trading: TradingConfig{
			Symbols:         getEnvAsList("SYMBOLS", []string{"SPY", "QQQ", "IWM"}),
			ActiveStrategy:  getEnv("ACTIVE_STRATEGY", "sma_cross"),
			StopLossPct:     getEnvAsFloat("STOP_LOSS_PCT", 0.05),
			TakeProfitPct:   getEnvAsFloat("TAKE_PROFIT_PCT", 0.15),
			WeakScore:       getEnvAsFloat("WEAK_SCORE", 0.0),
			MaxExposure:     getEnvAsFloat("MAX_EXPOSURE", 0.8),
			MaxNewPositions: getEnvAsInt("MAX_NEW_POSITIONS", 5),
			MinOrderValue:   getEnvAsFloat("MIN_ORDER_VALUE", 100),
			CheckInterval:   getEnvAsDuration("CHECK_INTERVAL", "60m"),
			LookbackDays:    getEnvAsInt("LOOKBACK_DAYS", 300),
			DryRun:          getEnvAsBool("DRY_RUN", true),
			JournalDir:      getEnv("JOURNAL_DIR", "journal"),
			FillWait:        getEnvAsDuration("FILL_WAIT", "2s"),
		},

		Broker: BrokerConfig{
			URL:            getEnv("BROKER_URL", "ws://127.0.0.1:7497/stream"),
			Account:        getEnv("BROKER_ACCOUNT", ""),
			SnapshotWait:   getEnvAsDuration("BROKER_SNAPSHOT_WAIT", "5s"),
			HistoricalWait: getEnvAsDuration("BROKER_HISTORICAL_WAIT", "10s"),
			AckWait:        getEnvAsDuration("BROKER_ACK_WAIT", "250ms"),
			RequestsPerSec: getEnvAsInt("BROKER_REQUESTS_PER_SEC", 40),
		},

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Enabled:         getEnvAsBool("DATABASE_ENABLED", false),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are consistent.
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must not be empty")
	}

	if c.Trading.StopLossPct <= 0 || c.Trading.TakeProfitPct <= 0 {
		return fmt.Errorf("STOP_LOSS_PCT and TAKE_PROFIT_PCT must be positive")
	}

	if c.Trading.MaxExposure <= 0 || c.Trading.MaxExposure > 1 {
		return fmt.Errorf("MAX_EXPOSURE must be in (0, 1]")
	}

	if c.Trading.MaxNewPositions <= 0 {
		return fmt.Errorf("MAX_NEW_POSITIONS must be positive")
	}

	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DATABASE_ENABLED=true")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from a few likely locations.
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
