// Package config handles configuration loading and validation for the
// chunkfs client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunkfs/chunkfs/pkg/bytesize"
)

// ClientConfig holds the write pipeline configuration.
type ClientConfig struct {
	MetaServer    string `yaml:"meta_server"`     // host:port of the meta server
	AuthTokenFile string `yaml:"auth_token_file"` // optional path to the auth token

	OpTimeout          string `yaml:"op_timeout"`           // duration, default "30s"
	IdleTimeout        string `yaml:"idle_timeout"`         // duration, default "5m"
	TimeBetweenRetries string `yaml:"time_between_retries"` // duration, default "15s"
	MaxRetryCount      int    `yaml:"max_retry_count"`      // default 6
	WriteThreshold     string `yaml:"write_threshold"`      // size, default "1MB"
	MaxWriteSize       string `yaml:"max_write_size"`       // size, default "1MB"
	MaxPartialBuffers  int    `yaml:"max_partial_buffers"`  // default 16
	AllowClearText     bool   `yaml:"allow_clear_text"`

	// Parsed values, filled by Validate.
	OpTimeoutD          time.Duration `yaml:"-"`
	IdleTimeoutD        time.Duration `yaml:"-"`
	TimeBetweenRetriesD time.Duration `yaml:"-"`
	WriteThresholdBytes int64         `yaml:"-"`
	MaxWriteSizeBytes   int64         `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *ClientConfig {
	cfg := &ClientConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ClientConfig) applyDefaults() {
	if c.OpTimeout == "" {
		c.OpTimeout = "30s"
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "5m"
	}
	if c.TimeBetweenRetries == "" {
		c.TimeBetweenRetries = "15s"
	}
	if c.MaxRetryCount == 0 {
		c.MaxRetryCount = 6
	}
	if c.WriteThreshold == "" {
		c.WriteThreshold = "1MB"
	}
	if c.MaxWriteSize == "" {
		c.MaxWriteSize = "1MB"
	}
	if c.MaxPartialBuffers == 0 {
		c.MaxPartialBuffers = 16
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &ClientConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate parses the string fields and checks ranges.
func (c *ClientConfig) Validate() error {
	var err error
	if c.OpTimeoutD, err = time.ParseDuration(c.OpTimeout); err != nil {
		return fmt.Errorf("op_timeout: %w", err)
	}
	if c.IdleTimeoutD, err = time.ParseDuration(c.IdleTimeout); err != nil {
		return fmt.Errorf("idle_timeout: %w", err)
	}
	if c.TimeBetweenRetriesD, err = time.ParseDuration(c.TimeBetweenRetries); err != nil {
		return fmt.Errorf("time_between_retries: %w", err)
	}
	if c.WriteThresholdBytes, err = bytesize.Parse(c.WriteThreshold); err != nil {
		return fmt.Errorf("write_threshold: %w", err)
	}
	if c.MaxWriteSizeBytes, err = bytesize.Parse(c.MaxWriteSize); err != nil {
		return fmt.Errorf("max_write_size: %w", err)
	}
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("max_retry_count must be >= 0, got %d", c.MaxRetryCount)
	}
	if c.MaxWriteSizeBytes <= 0 {
		return fmt.Errorf("max_write_size must be positive")
	}
	return nil
}
