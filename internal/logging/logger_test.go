package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/mongoriver/internal/config"
)

func testConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	return cfg
}

func TestNewLogger_DefaultConfig(t *testing.T) {
	cfg := testConfig(t)
	var console bytes.Buffer

	logger, err := newLogger(cfg, &console)
	require.NoError(t, err)

	logger.Info("test message", "river", "users", "key", "value")
	require.NoError(t, Shutdown())

	assert.FileExists(t, filepath.Join(cfg.Dir, "mongoriver.log"))
	assert.Contains(t, console.String(), "[users] test message key=value")
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Console.Enabled = false
	cfg.File.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("test json", "key", "value")
	require.NoError(t, Shutdown())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "mongoriver.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"test json"`)
	assert.Contains(t, string(content), `"key":"value"`)
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Console.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")
	require.NoError(t, Shutdown())

	mainContent, err := os.ReadFile(filepath.Join(cfg.Dir, "mongoriver.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainContent), "info message")
	assert.Contains(t, string(mainContent), "error message")

	errorContent, err := os.ReadFile(filepath.Join(cfg.Dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errorContent), "info message")
	assert.Contains(t, string(errorContent), "warning message")
	assert.Contains(t, string(errorContent), "error message")
}

func TestNewLogger_FileDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	cfg.Dir = filepath.Join(cfg.Dir, "never")
	var console bytes.Buffer

	logger, err := newLogger(cfg, &console)
	require.NoError(t, err)
	logger.Warn("console only")

	assert.NoDirExists(t, cfg.Dir)
	assert.Contains(t, console.String(), "WARN  console only")
}

func TestNewLogger_AllOutputsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	cfg.Console.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Error("dropped")
}

func TestNewLogger_RepeatWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	var console bytes.Buffer

	logger, err := newLogger(cfg, &console)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		logger.Warn("reconnecting", "attempt", 1)
	}

	assert.Equal(t, 1, bytes.Count(console.Bytes(), []byte("reconnecting")))
}

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := testConfig(t)
	cfg.Console.Enabled = false

	require.NoError(t, Initialize(cfg))
	slog.Info("global test message")
	require.NoError(t, Shutdown())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "mongoriver.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "global test message")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}
