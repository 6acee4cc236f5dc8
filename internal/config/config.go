// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type WebConfig struct {
	Port          int           `yaml:"port"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RateLimit     int           `yaml:"rate_limit"`        // sends per window per user
	RateWindow    time.Duration `yaml:"rate_window"`       //
	ErrorClearTTL time.Duration `yaml:"error_clear_after"` // auto-clear delay for one-shot errors
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type CompletionConfig struct {
	BaseURL     string  `yaml:"base_url"` // overridden by COMPLETION_API_URL
	APIKey      string  `yaml:"api_key"`  // overridden by COMPLETION_API_KEY
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	EncryptAtRest bool   `yaml:"encrypt_at_rest"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Web        WebConfig        `yaml:"web"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Completion CompletionConfig `yaml:"completion"`
	Security   SecurityConfig   `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Endpoint credentials come from the environment when present; the
	// YAML values are a local-dev convenience only.
	if v := os.Getenv("COMPLETION_API_URL"); v != "" {
		cfg.Completion.BaseURL = v
	}
	if v := os.Getenv("COMPLETION_API_KEY"); v != "" {
		cfg.Completion.APIKey = v
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Web.TokenTTL == 0 {
		cfg.Web.TokenTTL = 24 * time.Hour
	}
	if cfg.Web.RateLimit <= 0 {
		cfg.Web.RateLimit = 30
	}
	if cfg.Web.RateWindow == 0 {
		cfg.Web.RateWindow = time.Minute
	}
	if cfg.Web.ErrorClearTTL == 0 {
		cfg.Web.ErrorClearTTL = 6 * time.Second
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 30 * time.Minute
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "qwen-coder-plus"
	}
	if cfg.Completion.MaxTokens <= 0 {
		cfg.Completion.MaxTokens = 4000
	}
	if cfg.Completion.Temperature == 0 {
		cfg.Completion.Temperature = 0.7
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
