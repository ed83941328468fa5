/*
Package config loads server configuration.

PRIORITY (highest to lowest):
  1. Command-line flags applied by cmd/server (-port, -db)
  2. Environment variables with DUES_ prefix (e.g. DUES_DUES_MONTHLY_FEE)
  3. Config file (config.yaml in ".", "./config" or the -config path)
  4. Built-in defaults

The monthly fee is read once here and handed to the engine as dues.Policy.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/dues-engine/dues"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Dues      DuesConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds the SQLite file location
type DatabaseConfig struct {
	Path string // ":memory:" for a throwaway database
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string // debug, info, warn, error
}

// DuesConfig holds the community fee settings
type DuesConfig struct {
	MonthlyFee decimal.Decimal
	MaxMonths  int
	TagPrice   decimal.Decimal
}

// AuthConfig holds admin login and token settings
type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	AdminUser     string
	AdminPassword string
}

// SchedulerConfig holds the credential sync job settings
type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
}

// Policy returns the engine policy built from the dues settings.
func (c *Config) Policy() dues.Policy {
	return dues.Policy{MonthlyFee: c.Dues.MonthlyFee, MaxMonths: c.Dues.MaxMonths}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("database.path", "dues.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("dues.monthly_fee", "280")
	v.SetDefault("dues.max_months", dues.DefaultMaxMonths)
	v.SetDefault("dues.tag_price", "150")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.concurrency", 4)
}

// Load reads configuration. path is an explicit config file; empty means
// search the default locations, and a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fee, err := decimal.NewFromString(v.GetString("dues.monthly_fee"))
	if err != nil {
		return nil, fmt.Errorf("invalid dues.monthly_fee: %w", err)
	}
	tagPrice, err := decimal.NewFromString(v.GetString("dues.tag_price"))
	if err != nil {
		return nil, fmt.Errorf("invalid dues.tag_price: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
		Dues: DuesConfig{
			MonthlyFee: fee,
			MaxMonths:  v.GetInt("dues.max_months"),
			TagPrice:   tagPrice,
		},
		Auth: AuthConfig{
			JWTSecret:     v.GetString("auth.jwt_secret"),
			TokenTTL:      v.GetDuration("auth.token_ttl"),
			AdminUser:     v.GetString("auth.admin_user"),
			AdminPassword: v.GetString("auth.admin_password"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     v.GetBool("scheduler.enabled"),
			Interval:    v.GetDuration("scheduler.interval"),
			Concurrency: v.GetInt("scheduler.concurrency"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid dues config: %w", err)
	}
	if c.Dues.TagPrice.IsNegative() {
		return errors.New("dues.tag_price must not be negative")
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Scheduler.Concurrency < 1 {
		c.Scheduler.Concurrency = 1
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}
