package config

import (
	"errors"
	"os"
	"time"
)

// ServerConfig holds the health and metrics HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8081",
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *ServerConfig) ApplyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *ServerConfig) ApplyEnvOverrides() {
	if v := os.Getenv("MONGORIVER_HTTP_ADDR"); v != "" {
		c.Addr = v
	}
}

func (c *ServerConfig) ResolvePaths(_, _ string) {}

func (c *ServerConfig) Validate() error {
	if c.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout must not be negative")
	}
	return nil
}

// NotifyConfig holds the river status notification configuration.
type NotifyConfig struct {
	// NatsURL enables status publishing to NATS when set.
	NatsURL string `yaml:"nats_url"`

	// SubjectPrefix is prepended to "<river>.status".
	SubjectPrefix string `yaml:"subject_prefix"`

	// Stream is the JetStream stream name that captures status messages.
	Stream string `yaml:"stream"`
}

// DefaultNotifyConfig returns default notification configuration
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		SubjectPrefix: "mongoriver",
		Stream:        "MONGORIVER",
	}
}

func (c *NotifyConfig) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "mongoriver"
	}
	if c.Stream == "" {
		c.Stream = "MONGORIVER"
	}
}

func (c *NotifyConfig) ApplyEnvOverrides() {
	if v := os.Getenv("MONGORIVER_NATS_URL"); v != "" {
		c.NatsURL = v
	}
}

func (c *NotifyConfig) ResolvePaths(_, _ string) {}

func (c *NotifyConfig) Validate() error {
	return nil
}
