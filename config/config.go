// Package config loads the referral ledger configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"db"`
	Log      LogConfig      `mapstructure:"log"`
	Referral ReferralConfig `mapstructure:"referral"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"` // ":memory:" for an in-memory database
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// ReferralConfig holds defaults for admin tooling. The ledger itself never
// reads it: reward rates are always passed explicitly.
type ReferralConfig struct {
	DefaultRewardPoints int64 `mapstructure:"default_reward_points"`
	TokenLength         int   `mapstructure:"token_length"`
}

// AuditConfig controls the background reconciliation run by "serve".
type AuditConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 disables
}

// Load reads configuration from defaults, an optional YAML file and
// REFERRAL_* environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("db.path", "referral.db")
	v.SetDefault("db.busy_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("referral.default_reward_points", 10)
	v.SetDefault("referral.token_length", 8)
	v.SetDefault("audit.interval", "1h")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REFERRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the application cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("invalid config: db.path must not be empty")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("invalid config: db.busy_timeout must not be negative")
	}
	if c.Referral.DefaultRewardPoints < 0 {
		return fmt.Errorf("invalid config: referral.default_reward_points must not be negative")
	}
	if c.Referral.TokenLength < 6 || c.Referral.TokenLength > 32 {
		return fmt.Errorf("invalid config: referral.token_length must be between 6 and 32")
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("invalid config: audit.interval must not be negative")
	}
	return nil
}
