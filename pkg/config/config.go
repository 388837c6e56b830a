// Package config loads the server configuration from a YAML file. Every
// field has a default that runs a single process: in-memory cancel bus, a
// local sqlite file, and an upstream on localhost.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables cross-process cancellation. When Enabled is false the
// server uses the in-memory bus and cancels only reach sessions in the same
// process.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Stream    string        `yaml:"stream"`
	RecordTTL time.Duration `yaml:"record_ttl"`
}

type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Storage  StorageConfig  `yaml:"storage"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://localhost:9000",
			Timeout: 0,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "curio.db",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return errors.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("config: upstream.base_url is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required when redis is enabled")
	}
	return nil
}
