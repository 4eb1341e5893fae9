package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DropPolicy selects the flow-control behavior when the event queue is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
	Coalesce   DropPolicy = "coalesce"
	Block      DropPolicy = "block"
)

// GapPolicy selects how sequence gaps are handled.
type GapPolicy string

const (
	GapResync GapPolicy = "resync"
	GapIgnore GapPolicy = "ignore"
	GapBuffer GapPolicy = "buffer"
)

// Config is the full client configuration tree.
type Config struct {
	Endpoint        string          `yaml:"endpoint"`
	PrivateEndpoint string          `yaml:"private_endpoint"`
	Credentials     *Credentials    `yaml:"-"`
	ConnectTimeout  time.Duration   `yaml:"connect_timeout"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	BufferSize      int             `yaml:"buffer_size"`
	MaxFrameBytes   int64           `yaml:"max_frame_bytes"`
	Flow            FlowConfig      `yaml:"flow"`
	Gap             GapConfig       `yaml:"gap"`
	Book            BookConfig      `yaml:"book"`
	Latency         LatencyConfig   `yaml:"latency"`
	Logging         LoggingConfig   `yaml:"logging"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type FlowConfig struct {
	QueueDepth            int           `yaml:"queue_depth"`
	DropPolicy            DropPolicy    `yaml:"drop_policy"`
	MaxMessagesPerSecond  int           `yaml:"max_messages_per_second"`
	BurstAllowance        int           `yaml:"burst_allowance"`
	CoalesceWindow        time.Duration `yaml:"coalesce_window"`
	DrainOnClose          bool          `yaml:"drain_on_close"`
	SubscribeFlushCeiling time.Duration `yaml:"subscribe_flush_ceiling"`
}

type GapConfig struct {
	Policy         GapPolicy     `yaml:"policy"`
	MaxGapSize     uint64        `yaml:"max_gap_size"`
	MaxPending     int           `yaml:"max_pending"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

type BookConfig struct {
	// DepthCap of 0 means "per subscription depth".
	DepthCap     int `yaml:"depth_cap"`
	ChecksumTopN int `yaml:"checksum_top_n"`
}

type LatencyConfig struct {
	MaxSamples       int           `yaml:"max_samples"`
	BucketWidth      time.Duration `yaml:"bucket_width"`
	BucketCount      int           `yaml:"bucket_count"`
	NetworkThreshold time.Duration `yaml:"network_threshold"`
	TotalThreshold   time.Duration `yaml:"total_threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:        "wss://ws.kraken.com/",
		PrivateEndpoint: "wss://ws-auth.kraken.com/",
		ConnectTimeout:  5 * time.Second,
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  10,
		},
		BufferSize:    1024,
		MaxFrameBytes: 1 << 20,
		Flow: FlowConfig{
			QueueDepth:            10000,
			DropPolicy:            DropOldest,
			MaxMessagesPerSecond:  0,
			BurstAllowance:        100,
			CoalesceWindow:        10 * time.Millisecond,
			DrainOnClose:          true,
			SubscribeFlushCeiling: time.Second,
		},
		Gap: GapConfig{
			Policy:         GapResync,
			MaxGapSize:     10,
			MaxPending:     1000,
			PendingTimeout: 5 * time.Second,
		},
		Book: BookConfig{
			DepthCap:     0,
			ChecksumTopN: 10,
		},
		Latency: LatencyConfig{
			MaxSamples:       10000,
			BucketWidth:      time.Millisecond,
			BucketCount:      100,
			NetworkThreshold: 50 * time.Millisecond,
			TotalThreshold:   60 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with. Construction
// time validation failure is fatal.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.timeout must be positive, got %s", c.Heartbeat.Timeout)
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be positive, got %s", c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay %s is below initial_delay %s", c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.Multiplier < 1.0 {
		return fmt.Errorf("reconnect.multiplier must be >= 1.0, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes)
	}
	if c.Flow.QueueDepth <= 0 {
		return fmt.Errorf("flow.queue_depth must be positive, got %d", c.Flow.QueueDepth)
	}
	switch c.Flow.DropPolicy {
	case DropOldest, DropNewest, Coalesce, Block:
	default:
		return fmt.Errorf("flow.drop_policy '%s' is not one of drop_oldest, drop_newest, coalesce, block", c.Flow.DropPolicy)
	}
	if c.Flow.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("flow.max_messages_per_second must be >= 0, got %d", c.Flow.MaxMessagesPerSecond)
	}
	switch c.Gap.Policy {
	case GapResync, GapIgnore, GapBuffer:
	default:
		return fmt.Errorf("gap.policy '%s' is not one of resync, ignore, buffer", c.Gap.Policy)
	}
	if c.Gap.MaxPending <= 0 {
		return fmt.Errorf("gap.max_pending must be positive, got %d", c.Gap.MaxPending)
	}
	if c.Latency.MaxSamples <= 0 {
		return fmt.Errorf("latency.max_samples must be positive, got %d", c.Latency.MaxSamples)
	}
	if c.Latency.BucketCount <= 0 || c.Latency.BucketWidth <= 0 {
		return fmt.Errorf("latency histogram requires positive bucket_width and bucket_count")
	}
	if c.Book.ChecksumTopN <= 0 {
		return fmt.Errorf("book.checksum_top_n must be positive, got %d", c.Book.ChecksumTopN)
	}
	return nil
}

// HasCredentials reports whether private channels and the authenticating
// state are enabled.
func (c *Config) HasCredentials() bool {
	return c.Credentials != nil
}
