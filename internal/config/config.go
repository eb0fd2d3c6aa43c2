package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicURL       string        `mapstructure:"public_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
	CookieA         string        `mapstructure:"cookie_a"`
	CookieB         string        `mapstructure:"cookie_b"`
	AllowLocal      bool          `mapstructure:"allow_local"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:5000",
			RequestTimeout:  90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "bolt",
			Path:    filepath.Join(homeDir, ".fss", "submission_cache.db"),
			Timeout: 1 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:         "https://www.furaffinity.net",
			UserAgent:       "FA RSS Proxy (https://github.com/pders01/fss)",
			HTTPTimeout:     20 * time.Second,
			RetryInterval:   500 * time.Millisecond,
			MaxRetryElapsed: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// settings flattens cfg into viper keys. Durations are kept as strings so a
// generated file stays readable.
func settings(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"server.addr":                cfg.Server.Addr,
		"server.public_url":          cfg.Server.PublicURL,
		"server.request_timeout":     cfg.Server.RequestTimeout.String(),
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout.String(),
		"cache.backend":              cfg.Cache.Backend,
		"cache.path":                 cfg.Cache.Path,
		"cache.timeout":              cfg.Cache.Timeout.String(),
		"upstream.base_url":          cfg.Upstream.BaseURL,
		"upstream.user_agent":        cfg.Upstream.UserAgent,
		"upstream.http_timeout":      cfg.Upstream.HTTPTimeout.String(),
		"upstream.retry_interval":    cfg.Upstream.RetryInterval.String(),
		"upstream.max_retry_elapsed": cfg.Upstream.MaxRetryElapsed.String(),
		"upstream.cookie_a":          cfg.Upstream.CookieA,
		"upstream.cookie_b":          cfg.Upstream.CookieB,
		"upstream.allow_local":       cfg.Upstream.AllowLocal,
		"log.level":                  cfg.Log.Level,
		"log.file":                   cfg.Log.File,
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults are registered per key so FSS_* environment variables can
	// override nested values.
	for key, value := range settings(defaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "fss")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand paths after loading
	expandPaths(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("invalid cache.backend %q (want bolt or sqlite)", c.Cache.Backend)
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path must be set")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Upstream.HTTPTimeout <= 0 {
		return fmt.Errorf("upstream.http_timeout must be positive")
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

// expandPaths expands all paths in the config
func expandPaths(cfg *Config) {
	cfg.Cache.Path = expandPath(cfg.Cache.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()

	for key, value := range settings(config) {
		v.Set(key, value)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
