// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads runtime settings from defaults, an optional config
// file, optional .env files and SURVEYSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/connectivity"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/syncengine"
)

// EnvPrefix prefixes every environment override, e.g. SURVEYSYNC_SYNC_INTERVAL
const EnvPrefix = "SURVEYSYNC"

type ServerConfig struct {
	URL    string `mapstructure:"url" validate:"required,url"`
	Listen string `mapstructure:"listen" validate:"required"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"` // empty selects the in-memory repository
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret" validate:"required"`
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	ItemTimeout time.Duration `mapstructure:"item_timeout" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
	BackoffMin  time.Duration `mapstructure:"backoff_min" validate:"gt=0"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffMin"`
}

type AuthConfig struct {
	Token string `mapstructure:"token"` // session JWT used by the sync client
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Config is the full runtime configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Store    StoreConfig    `mapstructure:"store"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

// DevJWTSecret is the default signing secret; change it outside development
const DevJWTSecret = "your-secret-key-change-in-production"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("database.url", "")
	v.SetDefault("jwt.secret", DevJWTSecret)
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("store.path", "survey.db")
	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.probe_timeout", 5*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.item_timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 10)
	v.SetDefault("sync.backoff_min", 1*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("auth.token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Options select the optional sources for Load
type Options struct {
	ConfigFile string   // yaml, json or toml; empty skips it
	EnvFiles   []string // .env files; missing files are ignored
}

// Load builds and validates a Config
func Load(opts Options) (*Config, error) {
	for _, path := range opts.EnvFiles {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat env file %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ConnectivityConfig maps monitor settings; the first probe decides the status
func (c *Config) ConnectivityConfig() connectivity.Config {
	return connectivity.Config{
		Interval:      c.Monitor.Interval,
		ProbeTimeout:  c.Monitor.ProbeTimeout,
		InitialOnline: false,
	}
}

func (c *Config) EngineConfig() syncengine.Config {
	return syncengine.Config{
		Interval:    c.Sync.Interval,
		ItemTimeout: c.Sync.ItemTimeout,
		MaxAttempts: c.Sync.MaxAttempts,
		BackoffMin:  c.Sync.BackoffMin,
		BackoffMax:  c.Sync.BackoffMax,
	}
}

// NewLogger builds the slog handler selected by log.level and log.format
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
