// Package config loads the engine configuration: a JSON file (default
// config.json, overridable via CONFIG_FILE) merged with environment
// variable overrides, which take precedence. Component packages define
// their own config structs; this package composes them and validates
// the result once at startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/trading"
)

type Config struct {
	Job      JobConfig            `json:"job"`
	Binance  BinanceConfig        `json:"binance"`
	Logging  logging.Config       `json:"logging"`
	Server   ServerConfig         `json:"server"`
	Auth     AuthConfig           `json:"auth"`
	Vault    VaultConfig          `json:"vault"`
	Database store.PostgresConfig `json:"database"`
	Redis    events.RedisConfig   `json:"redis"`
}

// JobConfig describes the trading job this process runs: which strategy
// over which symbols, plus the portfolio-level risk limits shared by all
// of them.
type JobConfig struct {
	JobID        string                 `json:"job_id"`
	Strategy     string                 `json:"strategy"`
	SeedBars     int                    `json:"seed_bars"`
	Symbols      []trading.SymbolConfig `json:"symbols"`
	ExtraStreams []StreamConfig         `json:"extra_streams"`
	Risk         risk.Config            `json:"risk"`
}

// StreamConfig names one extra (symbol, interval) kline subscription
// beyond the symbols' trading intervals.
type StreamConfig struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// BinanceConfig holds exchange connectivity. API credentials may be left
// empty when Vault is enabled; otherwise they are required.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`
	BaseURL   string `json:"base_url"`    // override; testnet/mainnet default otherwise
	WSBaseURL string `json:"ws_base_url"` // override for the market stream endpoint
}

// ServerConfig holds the operator status API settings.
type ServerConfig struct {
	Enabled         bool     `json:"enabled"`
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ReadTimeout     int      `json:"read_timeout"` // seconds
	WriteTimeout    int      `json:"write_timeout"`    // seconds
	ShutdownTimeout int      `json:"shutdown_timeout"` // seconds
}

// AuthConfig holds the single-operator login for the status API.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	TokenTTL     time.Duration `json:"token_ttl"`
	Username     string        `json:"username"`
	PasswordHash string        `json:"password_hash"` // bcrypt
}

// VaultConfig holds HashiCorp Vault connectivity for credential reads.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount
	SecretPath string `json:"secret_path"` // path of the credentials secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Load reads the config file, applies environment overrides and
// validates. A missing file is fine (env-only configuration); a file
// that exists but does not parse is a startup error.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", filename, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Job
	cfg.Job.JobID = getEnvOrDefault("JOB_ID", cfg.Job.JobID)
	cfg.Job.Strategy = getEnvOrDefault("STRATEGY", cfg.Job.Strategy)
	cfg.Job.SeedBars = getEnvIntOrDefault("SEED_BARS", cfg.Job.SeedBars)

	// Binance
	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Binance.SecretKey)
	cfg.Binance.Testnet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Binance.Testnet)
	cfg.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Binance.BaseURL)
	cfg.Binance.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.Binance.WSBaseURL)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)

	// Server
	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(origins)
	}
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	// Auth
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = getEnvDurationOrDefault("AUTH_TOKEN_TTL", cfg.Auth.TokenTTL)
	cfg.Auth.Username = getEnvOrDefault("AUTH_USERNAME", cfg.Auth.Username)
	cfg.Auth.PasswordHash = getEnvOrDefault("AUTH_PASSWORD_HASH", cfg.Auth.PasswordHash)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.Vault.CACert)

	// Database
	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Stream = getEnvOrDefault("REDIS_STREAM", cfg.Redis.Stream)
}

func (c *Config) applyDefaults() {
	if c.Job.Strategy == "" {
		c.Job.Strategy = "rsi-reversion"
	}
	for i := range c.Job.Symbols {
		c.Job.Symbols[i].Normalize()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8085
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	if c.Vault.Address == "" {
		c.Vault.Address = "http://localhost:8200"
	}
	if c.Vault.MountPath == "" {
		c.Vault.MountPath = "secret"
	}
	if c.Vault.SecretPath == "" {
		c.Vault.SecretPath = "trading-engine/binance"
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if len(c.Job.Symbols) == 0 {
		return errors.New("config: no symbols configured")
	}
	seen := make(map[string]bool, len(c.Job.Symbols))
	for _, s := range c.Job.Symbols {
		if s.Symbol == "" {
			return errors.New("config: symbol entry with empty symbol")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("config: symbol %s configured twice", s.Symbol)
		}
		seen[s.Symbol] = true
		if binance.IntervalMillis(s.Interval) <= 0 {
			return fmt.Errorf("config: symbol %s has unknown interval %q", s.Symbol, s.Interval)
		}
		if err := s.Risk.Validate(); err != nil {
			return fmt.Errorf("config: symbol %s: %w", s.Symbol, err)
		}
	}
	for _, xs := range c.Job.ExtraStreams {
		if !seen[xs.Symbol] {
			return fmt.Errorf("config: extra stream %s/%s does not match a configured symbol", xs.Symbol, xs.Interval)
		}
		if binance.IntervalMillis(xs.Interval) <= 0 {
			return fmt.Errorf("config: extra stream %s has unknown interval %q", xs.Symbol, xs.Interval)
		}
	}
	if err := c.Job.Risk.Validate(); err != nil {
		return fmt.Errorf("config: portfolio %w", err)
	}

	if !c.Vault.Enabled && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") {
		return errors.New("config: binance credentials missing and vault is disabled")
	}
	if c.Vault.Enabled && c.Vault.Token == "" {
		return errors.New("config: vault enabled without a token")
	}

	if c.Server.Enabled {
		if c.Auth.JWTSecret == "" {
			return errors.New("config: server enabled without auth.jwt_secret")
		}
		if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
			return errors.New("config: server enabled without operator credentials")
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GenerateSampleConfig writes a starter config file with one symbol and
// conservative limits.
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		Job: JobConfig{
			JobID:    "",
			Strategy: "rsi-reversion",
			SeedBars: 1000,
			Symbols: []trading.SymbolConfig{
				{
					Symbol:   "BTCUSDT",
					Interval: "1m",
					Leverage: 5,
					EntryPct: decimal.NewFromFloat(0.2),
					UseChase: true,
					Risk: risk.Config{
						MaxLeverage:             10,
						MaxOrderSize:            decimal.NewFromFloat(0.25),
						MaxPositionSize:         decimal.NewFromFloat(0.5),
						DailyLossLimit:          decimal.NewFromInt(100),
						MaxConsecutiveLosses:    4,
						StopLossPct:             decimal.NewFromFloat(0.05),
						StopLossCooldownCandles: 3,
					},
				},
			},
			Risk: risk.Config{
				MaxOrderSize:    decimal.NewFromFloat(0.3),
				MaxPositionSize: decimal.NewFromFloat(0.6),
				DailyLossLimit:  decimal.NewFromInt(250),
			},
		},
		Binance: BinanceConfig{
			APIKey:    "your_api_key_here",
			SecretKey: "your_secret_key_here",
			Testnet:   true,
		},
		Logging: logging.Config{Level: "info"},
		Server: ServerConfig{
			Enabled:        false,
			Port:           8085,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
