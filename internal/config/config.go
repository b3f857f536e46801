package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/worker"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pacing    *pacing.Table   `yaml:"pacing,omitempty"` // nil = built-in tiers
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, alternative to api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 30s, the event stream extends it
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // default: 60s
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // default: :9090
	Path          string        `yaml:"path"`           // default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // addresses/CIDRs allowed to scrape
}

// SchedulerConfig contains campaign trigger settings
type SchedulerConfig struct {
	Trigger  string        `yaml:"trigger"`  // cron spec, default: @every 1m
	Grace    time.Duration `yaml:"grace"`    // how late a fire may still be sent, default: 10m
	Timezone string        `yaml:"timezone"` // zone the trigger spec is read in, default: UTC
}

// DispatchConfig contains send worker settings
type DispatchConfig struct {
	Workers         int           `yaml:"workers"`
	MaxPerMinute    int           `yaml:"max_per_minute"` // per-device burst guard, 0 = off
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ThrottleRetries int           `yaml:"throttle_retries"`
	FeedbackWindow  int           `yaml:"feedback_window"`
}

// GatewayConfig contains WhatsApp gateway client settings
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig contains send quota settings
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/wablast/wablast.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Scheduler.Trigger == "" {
		c.Scheduler.Trigger = worker.DefaultTriggerSpec
	}
	if c.Scheduler.Grace == 0 {
		c.Scheduler.Grace = 10 * time.Minute
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}

	def := worker.DefaultConfig()
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = def.Workers
	}
	if c.Dispatch.MaxPerMinute == 0 {
		c.Dispatch.MaxPerMinute = def.MaxPerMinute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = def.SendTimeout
	}
	if c.Dispatch.ThrottleRetries == 0 {
		c.Dispatch.ThrottleRetries = def.ThrottleRetries
	}
	if c.Dispatch.FeedbackWindow == 0 {
		c.Dispatch.FeedbackWindow = def.FeedbackWindow
	}

	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 30 * time.Second
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.API.APIKey != "" && c.API.APIKeyHash != "" {
		return fmt.Errorf("api.api_key and api.api_key_hash are mutually exclusive")
	}
	if c.API.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.APIKeyHash)); err != nil {
			return fmt.Errorf("invalid api.api_key_hash: %w", err)
		}
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid gateway.url: %q (must be an http or https URL)", c.Gateway.URL)
	}

	if err := worker.ValidateSpec(c.Scheduler.Trigger); err != nil {
		return fmt.Errorf("invalid scheduler.trigger %q: %w", c.Scheduler.Trigger, err)
	}
	if c.Scheduler.Grace < 0 {
		return fmt.Errorf("scheduler.grace must not be negative")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.MaxPerMinute < 0 || c.Dispatch.ThrottleRetries < 0 || c.Dispatch.FeedbackWindow < 0 {
		return fmt.Errorf("dispatch values must not be negative")
	}

	if c.Pacing != nil {
		if err := c.Pacing.Validate(); err != nil {
			return fmt.Errorf("pacing: %w", err)
		}
	}
	return nil
}

// Location returns the zone of the trigger spec
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WorkerConfig returns the dispatcher settings
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Workers:         c.Dispatch.Workers,
		MaxPerMinute:    c.Dispatch.MaxPerMinute,
		SendTimeout:     c.Dispatch.SendTimeout,
		ThrottleRetries: c.Dispatch.ThrottleRetries,
		FeedbackWindow:  c.Dispatch.FeedbackWindow,
	}
}

// PacingTable returns the configured tier table or the built-in one
func (c *Config) PacingTable() pacing.Table {
	if c.Pacing != nil {
		return *c.Pacing
	}
	return pacing.DefaultTable()
}
