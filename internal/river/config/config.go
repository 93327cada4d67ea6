package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds configuration for one river instance.
type Config struct {
	// Name identifies the river; it keys the cursor document.
	Name string `yaml:"name"`

	// Source replica set configuration
	Source SourceConfig `yaml:"source"`

	// Target index configuration
	Index IndexConfig `yaml:"index"`

	// Transform hook configuration
	Transform TransformConfig `yaml:"transform"`

	// Oplog tailing configuration
	Tailer TailerConfig `yaml:"tailer"`

	// Bulk writer configuration
	Writer WriterConfig `yaml:"writer"`

	// Failure recovery configuration
	Recovery RecoveryConfig `yaml:"recovery"`

	// Rejected item journal configuration
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// SourceConfig describes the replicated document store.
type SourceConfig struct {
	// Hosts is the replica set seed list (host:port).
	Hosts []string `yaml:"hosts"`

	// ReplicaSet is the replica set name. Optional.
	ReplicaSet string `yaml:"replica_set"`

	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`

	// ReadPreference: primary, primaryPreferred, secondary, secondaryPreferred, nearest
	ReadPreference string `yaml:"read_preference"`

	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuthSource string `yaml:"auth_source"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// IndexConfig describes the search engine target.
type IndexConfig struct {
	// URLs are the search engine node addresses.
	URLs []string `yaml:"urls"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Name is the target index.
	Name string `yaml:"name"`

	// CursorIndex stores the resume cursor document. Defaults to "<name>_river".
	CursorIndex string `yaml:"cursor_index"`
}

// TransformConfig describes the operator supplied hook.
type TransformConfig struct {
	// Lang is "javascript" or "cel". Ignored when Script is empty.
	Lang string `yaml:"lang"`

	// Script is the hook source text, passed verbatim to the evaluator.
	Script string `yaml:"script"`

	// Timeout bounds one evaluator invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// TailerConfig holds oplog tailing configuration.
type TailerConfig struct {
	// AwaitTime is how long the tailable cursor waits for new entries per round trip.
	AwaitTime time.Duration `yaml:"await_time"`

	// ReconnectInitialInterval is the first reconnect backoff delay.
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval"`

	// ReconnectMaxInterval caps a single reconnect backoff delay.
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`

	// ReconnectMaxElapsed bounds the total time spent reconnecting before giving up.
	ReconnectMaxElapsed time.Duration `yaml:"reconnect_max_elapsed"`

	// GapThreshold is the time gap between consecutive events that is reported.
	GapThreshold time.Duration `yaml:"gap_threshold"`

	// SnapshotBatchSize is the cursor batch size of the snapshot scan.
	SnapshotBatchSize int32 `yaml:"snapshot_batch_size"`
}

// WriterConfig holds bulk indexing configuration.
type WriterConfig struct {
	// BatchSize is the max number of actions per bulk request.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the max time to wait before flushing a batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueueSize is the capacity of the queue between the tailer and the writer.
	QueueSize int `yaml:"queue_size"`

	// MaxRetries is the number of retries of a failing batch within one cycle.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// RequestsPerSecond limits bulk requests. 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RecoveryConfig holds failure recovery configuration.
type RecoveryConfig struct {
	// AutoResnapshot re-runs the snapshot when the resume position fell off the oplog.
	// When false the river faults and waits for an operator.
	AutoResnapshot bool `yaml:"auto_resnapshot"`
}

// DeadLetterConfig holds the rejected item journal configuration.
type DeadLetterConfig struct {
	// Path for PebbleDB storage. Empty disables the journal.
	Path string `yaml:"path"`

	// Retention is how long rejected items are kept.
	Retention time.Duration `yaml:"retention"`

	// CleanInterval is how often expired items are removed.
	CleanInterval time.Duration `yaml:"clean_interval"`
}

// DefaultConfig returns sensible defaults for Config.
func DefaultConfig() Config {
	return Config{
		Name: "default",
		Source: SourceConfig{
			Hosts:          []string{"localhost:27017"},
			ReadPreference: "primaryPreferred",
			ConnectTimeout: 10 * time.Second,
		},
		Index: IndexConfig{
			URLs: []string{"http://localhost:9200"},
		},
		Transform: TransformConfig{
			Lang:    "javascript",
			Timeout: time.Second,
		},
		Tailer: TailerConfig{
			AwaitTime:                time.Second,
			ReconnectInitialInterval: 500 * time.Millisecond,
			ReconnectMaxInterval:     30 * time.Second,
			ReconnectMaxElapsed:      5 * time.Minute,
			GapThreshold:             5 * time.Minute,
			SnapshotBatchSize:        1000,
		},
		Writer: WriterConfig{
			BatchSize:      500,
			FlushInterval:  time.Second,
			QueueSize:      5000,
			MaxRetries:     5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Recovery: RecoveryConfig{
			AutoResnapshot: true,
		},
		DeadLetter: DeadLetterConfig{
			Path:          "deadletter",
			Retention:     7 * 24 * time.Hour,
			CleanInterval: time.Hour,
		},
	}
}

// ApplyDefaults fills in zero values with defaults.
// Note: Recovery.AutoResnapshot cannot be defaulted here since false is meaningful;
// start from DefaultConfig() before decoding YAML to get the production default.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if len(c.Source.Hosts) == 0 {
		c.Source.Hosts = defaults.Source.Hosts
	}
	if c.Source.ReadPreference == "" {
		c.Source.ReadPreference = defaults.Source.ReadPreference
	}
	if c.Source.ConnectTimeout == 0 {
		c.Source.ConnectTimeout = defaults.Source.ConnectTimeout
	}
	if len(c.Index.URLs) == 0 {
		c.Index.URLs = defaults.Index.URLs
	}
	if c.Index.CursorIndex == "" && c.Index.Name != "" {
		c.Index.CursorIndex = c.Index.Name + "_river"
	}
	if c.Transform.Lang == "" {
		c.Transform.Lang = defaults.Transform.Lang
	}
	if c.Transform.Timeout == 0 {
		c.Transform.Timeout = defaults.Transform.Timeout
	}
	if c.Tailer.AwaitTime == 0 {
		c.Tailer.AwaitTime = defaults.Tailer.AwaitTime
	}
	if c.Tailer.ReconnectInitialInterval == 0 {
		c.Tailer.ReconnectInitialInterval = defaults.Tailer.ReconnectInitialInterval
	}
	if c.Tailer.ReconnectMaxInterval == 0 {
		c.Tailer.ReconnectMaxInterval = defaults.Tailer.ReconnectMaxInterval
	}
	if c.Tailer.ReconnectMaxElapsed == 0 {
		c.Tailer.ReconnectMaxElapsed = defaults.Tailer.ReconnectMaxElapsed
	}
	if c.Tailer.GapThreshold == 0 {
		c.Tailer.GapThreshold = defaults.Tailer.GapThreshold
	}
	if c.Tailer.SnapshotBatchSize <= 0 {
		c.Tailer.SnapshotBatchSize = defaults.Tailer.SnapshotBatchSize
	}
	if c.Writer.BatchSize <= 0 {
		c.Writer.BatchSize = defaults.Writer.BatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = defaults.Writer.FlushInterval
	}
	if c.Writer.QueueSize <= 0 {
		c.Writer.QueueSize = defaults.Writer.QueueSize
	}
	if c.Writer.MaxRetries == 0 {
		c.Writer.MaxRetries = defaults.Writer.MaxRetries
	}
	if c.Writer.InitialBackoff == 0 {
		c.Writer.InitialBackoff = defaults.Writer.InitialBackoff
	}
	if c.Writer.MaxBackoff == 0 {
		c.Writer.MaxBackoff = defaults.Writer.MaxBackoff
	}
	if c.DeadLetter.Retention == 0 {
		c.DeadLetter.Retention = defaults.DeadLetter.Retention
	}
	if c.DeadLetter.CleanInterval == 0 {
		c.DeadLetter.CleanInterval = defaults.DeadLetter.CleanInterval
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MONGORIVER_MONGO_HOSTS"); v != "" {
		c.Source.Hosts = splitList(v)
	}
	if v := os.Getenv("MONGORIVER_MONGO_PASSWORD"); v != "" {
		c.Source.Password = v
	}
	if v := os.Getenv("MONGORIVER_ES_URLS"); v != "" {
		c.Index.URLs = splitList(v)
	}
	if v := os.Getenv("MONGORIVER_ES_PASSWORD"); v != "" {
		c.Index.Password = v
	}
}

// ResolvePaths resolves relative storage paths against dataDir.
func (c *Config) ResolvePaths(_, dataDir string) {
	if c.DeadLetter.Path != "" && !filepath.IsAbs(c.DeadLetter.Path) {
		c.DeadLetter.Path = filepath.Join(dataDir, c.DeadLetter.Path)
	}
}

// Validate validates the Config.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("river.name is required")
	}
	if len(c.Source.Hosts) == 0 {
		return errors.New("river.source.hosts must have at least one host")
	}
	if c.Source.Database == "" {
		return errors.New("river.source.database is required")
	}
	if c.Source.Collection == "" {
		return errors.New("river.source.collection is required")
	}
	switch c.Source.ReadPreference {
	case "primary", "primaryPreferred", "secondary", "secondaryPreferred", "nearest":
	default:
		return fmt.Errorf("river.source.read_preference %q is not supported", c.Source.ReadPreference)
	}
	if c.Index.Name == "" {
		return errors.New("river.index.name is required")
	}
	if c.Index.CursorIndex == c.Index.Name {
		return errors.New("river.index.cursor_index must differ from river.index.name")
	}
	if c.Transform.Script != "" && c.Transform.Lang != "javascript" && c.Transform.Lang != "cel" {
		return fmt.Errorf("river.transform.lang must be 'javascript' or 'cel', got %q", c.Transform.Lang)
	}
	if c.Transform.Timeout <= 0 {
		return errors.New("river.transform.timeout must be positive")
	}
	if c.Writer.BatchSize <= 0 {
		return errors.New("river.writer.batch_size must be positive")
	}
	if c.Writer.FlushInterval <= 0 {
		return errors.New("river.writer.flush_interval must be positive")
	}
	if c.Writer.QueueSize <= 0 {
		return errors.New("river.writer.queue_size must be positive")
	}
	if c.Writer.MaxRetries < 0 {
		return errors.New("river.writer.max_retries must not be negative")
	}
	if c.Writer.RequestsPerSecond < 0 {
		return errors.New("river.writer.requests_per_second must not be negative")
	}
	if c.Tailer.ReconnectMaxElapsed <= 0 {
		return errors.New("river.tailer.reconnect_max_elapsed must be positive")
	}
	return nil
}

// Namespace returns the source namespace (db.coll).
func (c *Config) Namespace() string {
	return c.Source.Database + "." + c.Source.Collection
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
