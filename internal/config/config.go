package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	river "github.com/syntrixbase/mongoriver/internal/river/config"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the base directory for runtime data (logs, dead letter journal).
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Notify  NotifyConfig  `yaml:"notify"`

	River river.Config `yaml:"river"`
}

// Default returns the configuration used before any file is loaded.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Logging: DefaultLoggingConfig(),
		Server:  DefaultServerConfig(),
		Notify:  DefaultNotifyConfig(),
		River:   river.DefaultConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables
// Order: defaults -> config.yml -> config.local.yml -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := Default()

	// 2. Load config.yml (overrides defaults)
	if err := loadFile(filepath.Join(configDir, "config.yml"), cfg); err != nil {
		return nil, err
	}

	// 3. Load config.local.yml (overrides config.yml)
	if err := loadFile(filepath.Join(configDir, "config.local.yml"), cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("MONGORIVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if !filepath.IsAbs(cfg.DataDir) {
		// Relative data dirs sit next to the config directory.
		cfg.DataDir = filepath.Join(filepath.Dir(configDir), cfg.DataDir)
	}

	// 4. Apply configuration lifecycle
	if err := ApplyServiceConfigs(configDir, cfg.DataDir,
		&cfg.Logging,
		&cfg.Server,
		&cfg.Notify,
		&cfg.River,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return cfg, nil
}

// loadFile decodes filename over cfg. A missing file is skipped; an unreadable
// file is logged and skipped; a malformed one is an error.
func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}
