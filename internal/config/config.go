// Package config loads engine configuration from an optional YAML file with
// environment variable overrides (ESCROW_ prefix, e.g. ESCROW_STORE_DRIVER).
// The deployment variables PORT, DATABASE_URL and REDIS_URL are honoured too.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Custody modes.
const (
	CustodySimulated = "simulated"
	CustodyHTTP      = "http"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Market  MarketConfig  `mapstructure:"market"`
	Custody CustodyConfig `mapstructure:"custody"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the primary store.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "sqlite".
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// MarketConfig contains the one-time initialization parameters.
type MarketConfig struct {
	// Administrator is the principal recorded by Initialize.
	Administrator    string `mapstructure:"administrator"`
	MinTradeQuantity uint64 `mapstructure:"min_trade_quantity"`
	// CatalogFile optionally seeds commodities at startup.
	CatalogFile string `mapstructure:"catalog_file"`
}

// CustodyConfig selects the external funds-transfer collaborator.
type CustodyConfig struct {
	// Mode is "simulated" (in-process bank) or "http".
	Mode      string        `mapstructure:"mode"`
	Custodian string        `mapstructure:"custodian"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// OpeningBalance is the simulated wallet balance of unseen principals.
	OpeningBalance string `mapstructure:"opening_balance"`
}

// AuthConfig lists bearer tokens and the principals they authenticate.
// Empty means development mode: the X-Principal header is trusted.
type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig binds one bearer token to a principal. It is a list entry
// rather than a map key because viper lowercases map keys.
type TokenConfig struct {
	Token     string `mapstructure:"token"`
	Principal string `mapstructure:"principal"`
}

// TokenMap returns the tokens keyed by token value.
func (a AuthConfig) TokenMap() map[string]string {
	m := make(map[string]string, len(a.Tokens))
	for _, t := range a.Tokens {
		m[t.Token] = t.Principal
	}
	return m
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "escrow.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("market.administrator", "admin")
	v.SetDefault("market.min_trade_quantity", 1)
	v.SetDefault("market.catalog_file", "")
	v.SetDefault("custody.mode", CustodySimulated)
	v.SetDefault("custody.custodian", "escrow-vault")
	v.SetDefault("custody.base_url", "")
	v.SetDefault("custody.timeout", "5s")
	v.SetDefault("custody.opening_balance", "0")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the YAML file at path (skipped when path is
// empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"server.port":        "PORT",
		"store.database_url": "DATABASE_URL",
		"redis.url":          "REDIS_URL",
	} {
		if err := v.BindEnv(key, "ESCROW_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	// No default, so an unset driver can be inferred below.
	if err := v.BindEnv("store.driver"); err != nil {
		return nil, fmt.Errorf("bind store.driver: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A bare DATABASE_URL selects postgres.
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Driver = DriverPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverMemory:
		// A restarted process would read the previous process's entries.
		if c.Redis.URL != "" {
			return errors.New("redis.url requires a persistent store.driver (postgres or sqlite)")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.Principal == "" {
			return fmt.Errorf("auth.tokens[%d]: token and principal are required", i)
		}
		if seen[t.Token] {
			return fmt.Errorf("auth.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
	}

	if c.Market.Administrator == "" {
		return errors.New("market.administrator is required")
	}

	switch c.Custody.Mode {
	case CustodySimulated:
		if _, err := c.OpeningBalance(); err != nil {
			return err
		}
	case CustodyHTTP:
		if c.Custody.BaseURL == "" {
			return errors.New("custody.base_url is required for http custody")
		}
	default:
		return fmt.Errorf("unknown custody.mode %q", c.Custody.Mode)
	}
	if c.Custody.Custodian == "" {
		return errors.New("custody.custodian is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// OpeningBalance parses custody.opening_balance.
func (c *Config) OpeningBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Custody.OpeningBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody.opening_balance: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("custody.opening_balance must not be negative")
	}
	return d, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
