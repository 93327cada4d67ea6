package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats = map[string]bool{"text": true, "json": true}
)

// LoggingConfig controls where mongoriver writes its logs. The file output
// writes mongoriver.log plus errors.log (warn and above) under Dir.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Dir    string `yaml:"dir"`    // relative to data_dir unless absolute

	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     FileConfig     `yaml:"file"`

	// RepeatWindow collapses identical records logged within the window
	// into one line carrying a repeat count. 0 disables collapsing.
	RepeatWindow time.Duration `yaml:"repeat_window"`
}

// RotationConfig is passed to lumberjack for both log files.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes before a file is rotated
	MaxBackups int  `yaml:"max_backups"` // rotated files kept per log
	MaxAge     int  `yaml:"max_age"`     // days a rotated file is kept
	Compress   bool `yaml:"compress"`
}

// OutputConfig configures one log sink. Empty Level and Format inherit the
// top-level values.
type OutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// ConsoleConfig configures stdout logging.
type ConsoleConfig = OutputConfig

// FileConfig configures the rotating log files.
type FileConfig = OutputConfig

// DefaultLoggingConfig returns the logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console:      OutputConfig{Enabled: true, Level: "info", Format: "text"},
		File:         OutputConfig{Enabled: true, Level: "info", Format: "text"},
		RepeatWindow: 10 * time.Second,
	}
}

// ApplyDefaults fills in unset values. Compress stays as decoded since an
// explicit false cannot be told apart from an omitted key.
func (c *LoggingConfig) ApplyDefaults() {
	def := DefaultLoggingConfig()
	if c.Level == "" {
		c.Level = def.Level
	}
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = def.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = def.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = def.Rotation.MaxAge
	}
	c.Console.inherit(c.Level, c.Format)
	c.File.inherit(c.Level, c.Format)
}

// inherit enables an output that was left out of the config entirely and
// fills its level and format from the top-level values.
func (o *OutputConfig) inherit(level, format string) {
	if *o == (OutputConfig{}) {
		o.Enabled = true
	}
	if o.Level == "" {
		o.Level = level
	}
	if o.Format == "" {
		o.Format = format
	}
}

// ApplyEnvOverrides applies MONGORIVER_LOG_LEVEL to every output.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if v := os.Getenv("MONGORIVER_LOG_LEVEL"); v != "" {
		c.Level = v
		c.Console.Level = v
		c.File.Level = v
	}
}

// ResolvePaths resolves a relative log directory against dataDir.
func (c *LoggingConfig) ResolvePaths(_, dataDir string) {
	if c.Dir != "" && !filepath.IsAbs(c.Dir) {
		c.Dir = filepath.Clean(filepath.Join(dataDir, c.Dir))
	}
}

// Validate checks levels and formats. Disabled outputs are not checked.
func (c *LoggingConfig) Validate() error {
	if !logLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
	if !logFormats[c.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}
	if c.Dir == "" {
		return fmt.Errorf("log directory cannot be empty")
	}
	if c.RepeatWindow < 0 {
		return fmt.Errorf("repeat_window must not be negative")
	}
	if err := c.Console.validate("console"); err != nil {
		return err
	}
	return c.File.validate("file")
}

func (o OutputConfig) validate(name string) error {
	if !o.Enabled {
		return nil
	}
	if o.Level != "" && !logLevels[o.Level] {
		return fmt.Errorf("invalid %s log level: %s", name, o.Level)
	}
	if o.Format != "" && !logFormats[o.Format] {
		return fmt.Errorf("invalid %s log format: %s", name, o.Format)
	}
	return nil
}
