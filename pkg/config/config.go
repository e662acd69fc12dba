// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cybersemics/thoughtspace/pkg/logger"
)

// StoreDSNEnv overrides Config.StoreDSN when set.
const StoreDSNEnv = "THOUGHTSPACE_STORE_DSN"

type Config struct {
	Addr        string            `yaml:"addr"`
	StoreDSN    string            `yaml:"store_dsn"`
	Log         logger.Config     `yaml:"log"`
	Replication ReplicationConfig `yaml:"replication"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Doclog      DoclogConfig      `yaml:"doclog"`
}

type ReplicationConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Retries     int           `yaml:"retries"`
	Timeout     time.Duration `yaml:"timeout"`
	Autostart   *bool         `yaml:"autostart"`
	CursorFlush time.Duration `yaml:"cursor_flush"`
}

type PersistenceConfig struct {
	FlushWindow  time.Duration `yaml:"flush_window"`
	CompactAfter int           `yaml:"compact_after"`
}

type DoclogConfig struct {
	BlockSize int `yaml:"block_size"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads path (if non-empty), applies defaults and the environment, then validates.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.ApplyDefaults()
	if v := strings.TrimSpace(os.Getenv(StoreDSNEnv)); v != "" {
		c.StoreDSN = v
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:8080"
	}
	if c.StoreDSN == "" {
		c.StoreDSN = "sqlite:thoughtspace.db"
	}
	if c.Replication.Concurrency == 0 {
		c.Replication.Concurrency = 8
	}
	if c.Replication.Timeout == 0 {
		c.Replication.Timeout = 30 * time.Second
	}
	if c.Replication.Autostart == nil {
		autostart := true
		c.Replication.Autostart = &autostart
	}
	if c.Replication.CursorFlush == 0 {
		c.Replication.CursorFlush = time.Second
	}
	if c.Persistence.FlushWindow == 0 {
		c.Persistence.FlushWindow = time.Second
	}
	if c.Persistence.CompactAfter == 0 {
		c.Persistence.CompactAfter = 500
	}
	if c.Doclog.BlockSize == 0 {
		c.Doclog.BlockSize = 10
	}
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store_dsn cannot be empty")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Replication.Concurrency < 0 {
		return fmt.Errorf("replication.concurrency cannot be negative")
	}
	if c.Replication.Retries < 0 {
		return fmt.Errorf("replication.retries cannot be negative")
	}
	if c.Replication.Timeout < 0 || c.Replication.CursorFlush < 0 {
		return fmt.Errorf("replication durations cannot be negative")
	}
	if c.Persistence.FlushWindow < 0 {
		return fmt.Errorf("persistence.flush_window cannot be negative")
	}
	if c.Persistence.CompactAfter < 0 {
		return fmt.Errorf("persistence.compact_after cannot be negative")
	}
	if c.Doclog.BlockSize < 1 {
		return fmt.Errorf("doclog.block_size must be greater than 0")
	}
	return nil
}

// Start reports whether replication queues run as soon as they are created.
func (r ReplicationConfig) Start() bool {
	return r.Autostart == nil || *r.Autostart
}
