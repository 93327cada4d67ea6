package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
logging:
  level: debug
server:
  addr: ":9000"
river:
  name: users
  source:
    hosts: ["mongo1:27017"]
    database: app
    collection: users
  index:
    name: users
  writer:
    batch_size: 100
`

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadConfig_File(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))
	writeConfig(t, configDir, "config.yml", baseConfig)

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "app.users", cfg.River.Namespace())
	assert.Equal(t, 100, cfg.River.Writer.BatchSize)
	assert.Equal(t, "users_river", cfg.River.Index.CursorIndex)
	assert.True(t, cfg.River.Recovery.AutoResnapshot)
	assert.Equal(t, time.Second, cfg.River.Writer.FlushInterval)

	// Relative paths resolve under <root>/data.
	assert.Equal(t, filepath.Join(root, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(root, "data", "logs"), cfg.Logging.Dir)
	assert.Equal(t, filepath.Join(root, "data", "deadletter"), cfg.River.DeadLetter.Path)
}

func TestLoadConfig_LocalOverrides(t *testing.T) {
	configDir := t.TempDir()
	writeConfig(t, configDir, "config.yml", baseConfig)
	writeConfig(t, configDir, "config.local.yml", `
river:
  recovery:
    auto_resnapshot: false
  transform:
    lang: cel
    script: "true"
`)

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.False(t, cfg.River.Recovery.AutoResnapshot)
	assert.Equal(t, "cel", cfg.River.Transform.Lang)
	// Untouched keys from config.yml survive.
	assert.Equal(t, "users", cfg.River.Index.Name)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	configDir := t.TempDir()
	writeConfig(t, configDir, "config.yml", baseConfig)

	t.Setenv("MONGORIVER_MONGO_HOSTS", "env1:27017,env2:27017")
	t.Setenv("MONGORIVER_NATS_URL", "nats://env:4222")
	t.Setenv("MONGORIVER_DATA_DIR", "/srv/river")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"env1:27017", "env2:27017"}, cfg.River.Source.Hosts)
	assert.Equal(t, "nats://env:4222", cfg.Notify.NatsURL)
	assert.Equal(t, "/srv/river", cfg.DataDir)
	assert.Equal(t, "/srv/river/logs", cfg.Logging.Dir)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "river.source.database")
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	configDir := t.TempDir()
	writeConfig(t, configDir, "config.yml", "not: [valid")

	_, err := LoadConfig(configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yml")
}

func TestLoadConfig_UnreadableFileSkipped(t *testing.T) {
	configDir := t.TempDir()
	writeConfig(t, configDir, "config.local.yml", baseConfig)
	// A directory where a file is expected triggers the read error path.
	require.NoError(t, os.Mkdir(filepath.Join(configDir, "config.yml"), 0755))

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)
	assert.Equal(t, "users", cfg.River.Name)
}

func TestNotifyAndServerDefaults(t *testing.T) {
	n := NotifyConfig{}
	n.ApplyDefaults()
	assert.Equal(t, "mongoriver", n.SubjectPrefix)
	assert.Equal(t, "MONGORIVER", n.Stream)

	s := ServerConfig{}
	s.ApplyDefaults()
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout)
	assert.NoError(t, s.Validate())
}
