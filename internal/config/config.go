package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model: server credentials, cache
// policy, streaming endpoint, and observability settings.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Streaming StreamingConfig `yaml:"streaming"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	// Base URL of the server API, e.g. https://example.social
	BaseURL string `yaml:"baseUrl"`
	// Access token. If empty, read from env DRIFTLINE_TOKEN.
	Token string `yaml:"token"`
}

type CacheConfig struct {
	// StaleSeconds is the staleness policy: a list older than this is
	// refetched on next access.
	StaleSeconds int `yaml:"staleSeconds"`
	// PageLimit is the default page size requested from list endpoints.
	PageLimit int `yaml:"pageLimit"`
}

// StaleAfter returns the staleness policy as a duration.
func (c CacheConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

type StreamingConfig struct {
	// URL of the streaming endpoint, e.g. wss://example.social/api/v1/streaming.
	// If empty, derived from server.baseUrl at startup.
	URL string `yaml:"url"`
	// Reconnect backoff bounds in milliseconds.
	MinBackoffMS int `yaml:"minBackoffMs"`
	MaxBackoffMS int `yaml:"maxBackoffMs"`
}

type MetricsConfig struct {
	// Addr for the /metrics server, e.g. ":9090". Empty disables it.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Server:    ServerConfig{BaseURL: "", Token: ""},
		Cache:     CacheConfig{StaleSeconds: 60, PageLimit: 20},
		Streaming: StreamingConfig{MinBackoffMS: 1000, MaxBackoffMS: 30000},
		Metrics:   MetricsConfig{Addr: ""},
		Log:       LogConfig{Level: "info"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Server.Token == "" {
		c.Server.Token = os.Getenv("DRIFTLINE_TOKEN")
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = os.Getenv("DRIFTLINE_SERVER")
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
