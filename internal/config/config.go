package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Keeper  KeeperConfig
	Vaults  VaultsConfig
	DB      DBConfig
	Redis   RedisConfig
	Alert   AlertConfig
	Harvest HarvestConfig
	Gelato  GelatoConfig
	Tracing TracingConfig
	Server  ServerConfig
	Log     LogConfig
}

type KeeperConfig struct {
	PrivateKey string
	// Address is the simulation sender when no private key is configured.
	Address string
}

type VaultsConfig struct {
	APIURL string
	// ChainsFile is the YAML chain table.
	ChainsFile string
}

type DBConfig struct {
	// URL is optional; empty disables report persistence.
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
	// RetentionDays bounds how long harvest reports are kept. Zero keeps
	// them forever.
	RetentionDays int
}

type RedisConfig struct {
	// URL is optional; empty disables the shared gas estimate cache.
	URL string
}

type AlertConfig struct {
	DiscordWebhookURL string
	SlackWebhookURL   string
	WebhookURL        string
	Cooldown          time.Duration
}

type HarvestConfig struct {
	OverestimatePercent   decimal.Decimal
	MaxAttempts           int
	NonceThreshold        int
	ReceiptPollInterval   time.Duration
	ReceiptTimeout        time.Duration
	SimulationConcurrency int
	DivergencePercent     decimal.Decimal
	Interval              time.Duration
}

type GelatoConfig struct {
	APIURL       string
	SyncInterval time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type ServerConfig struct {
	HealthPort int
}

type LogConfig struct {
	Level string
}

// Load reads the configuration from the environment. A .env file in the
// working directory, if any, seeds variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	overestimate, err := getEnvDecimal("GAS_OVERESTIMATE_PERCENT", decimal.RequireFromString("0.1"))
	if err != nil {
		return nil, err
	}
	divergence, err := getEnvDecimal("PROFIT_DIVERGENCE_PERCENT", decimal.NewFromInt(20))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Keeper: KeeperConfig{
			PrivateKey: getEnv("KEEPER_PRIVATE_KEY", ""),
			Address:    getEnv("KEEPER_ADDRESS", ""),
		},
		Vaults: VaultsConfig{
			APIURL:     getEnv("VAULTS_API_URL", "https://api.beefy.finance/vaults"),
			ChainsFile: getEnv("CHAINS_CONFIG", "config/chains.yaml"),
		},
		DB: DBConfig{
			URL:                getEnv("DB_URL", ""),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:    time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			StatementTimeoutMS: getEnvInt("DB_STATEMENT_TIMEOUT_MS", 30000),
			RetentionDays:      getEnvInt("REPORT_RETENTION_DAYS", 90),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Alert: AlertConfig{
			DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
			SlackWebhookURL:   getEnv("SLACK_WEBHOOK_URL", ""),
			WebhookURL:        getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:          getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
		Harvest: HarvestConfig{
			OverestimatePercent:   overestimate,
			MaxAttempts:           getEnvInt("HARVEST_MAX_ATTEMPTS", 2),
			NonceThreshold:        getEnvInt("NONCE_THRESHOLD", 2),
			ReceiptPollInterval:   getEnvDuration("RECEIPT_POLL_INTERVAL", 5*time.Second),
			ReceiptTimeout:        getEnvDuration("RECEIPT_TIMEOUT", 5*time.Minute),
			SimulationConcurrency: getEnvInt("SIMULATION_CONCURRENCY", 16),
			DivergencePercent:     divergence,
			Interval:              getEnvDuration("HARVEST_INTERVAL", 6*time.Hour),
		},
		Gelato: GelatoConfig{
			APIURL:       getEnv("GELATO_API_URL", "https://api.gelato.digital"),
			SyncInterval: getEnvDuration("TASK_SYNC_INTERVAL", 24*time.Hour),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Vaults.APIURL == "" {
		return fmt.Errorf("VAULTS_API_URL is required")
	}
	if c.Vaults.ChainsFile == "" {
		return fmt.Errorf("CHAINS_CONFIG is required")
	}
	if c.Harvest.OverestimatePercent.IsNegative() {
		return fmt.Errorf("GAS_OVERESTIMATE_PERCENT must be >= 0, got %s", c.Harvest.OverestimatePercent)
	}
	if !c.Harvest.DivergencePercent.IsPositive() {
		return fmt.Errorf("PROFIT_DIVERGENCE_PERCENT must be > 0, got %s", c.Harvest.DivergencePercent)
	}
	if c.Harvest.MaxAttempts < 1 {
		return fmt.Errorf("HARVEST_MAX_ATTEMPTS must be >= 1, got %d", c.Harvest.MaxAttempts)
	}
	if c.Harvest.NonceThreshold < 1 {
		return fmt.Errorf("NONCE_THRESHOLD must be >= 1, got %d", c.Harvest.NonceThreshold)
	}
	if c.Harvest.SimulationConcurrency < 1 {
		return fmt.Errorf("SIMULATION_CONCURRENCY must be >= 1, got %d", c.Harvest.SimulationConcurrency)
	}
	if c.Harvest.Interval <= 0 || c.Gelato.SyncInterval <= 0 {
		return fmt.Errorf("HARVEST_INTERVAL and TASK_SYNC_INTERVAL must be positive")
	}
	if c.Harvest.ReceiptPollInterval <= 0 || c.Harvest.ReceiptTimeout <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL and RECEIPT_TIMEOUT must be positive")
	}
	if c.DB.RetentionDays < 0 {
		return fmt.Errorf("REPORT_RETENTION_DAYS must be >= 0, got %d", c.DB.RetentionDays)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if c.Keeper.Address != "" && !common.IsHexAddress(c.Keeper.Address) {
		return fmt.Errorf("KEEPER_ADDRESS is not a valid address: %q", c.Keeper.Address)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	return nil
}

// RequireKeeper reports a missing signing key. Dry runs do not need one.
func (c *Config) RequireKeeper() error {
	if strings.TrimSpace(c.Keeper.PrivateKey) == "" {
		return fmt.Errorf("KEEPER_PRIVATE_KEY is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q: %w", key, v, err)
	}
	return d, nil
}
