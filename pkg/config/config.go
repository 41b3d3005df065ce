package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full node configuration. One file is shared by every
// role; each role reads the sections it needs.
type Config struct {
	// Node identity and wiring
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	MetaAddr string `yaml:"meta_addr"`
	DataDir  string `yaml:"data_dir"`

	// Metrics endpoint (0 disables)
	MetricsPort int `yaml:"metrics_port"`

	Streaming StreamingConfig `yaml:"streaming"`
	Storage   StorageConfig   `yaml:"storage"`
	Meta      MetaConfig      `yaml:"meta"`
}

// StreamingConfig controls the actor runtime.
type StreamingConfig struct {
	// ChunkSize is the max number of rows per stream chunk.
	ChunkSize int `yaml:"chunk_size"`
	// ExchangeChannelCapacity bounds every exchange channel.
	ExchangeChannelCapacity int `yaml:"exchange_channel_capacity"`
	// RateLimit is the default per-source rows/sec limit (0 = unlimited).
	RateLimit int `yaml:"streaming_rate_limit"`
	// Parallelism advertised to meta; 0 means GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`
}

// StorageConfig controls Hummock on a compute or compactor node.
type StorageConfig struct {
	ObjectStoreRoot         string `yaml:"object_store_root"`
	SharedBufferCapacityMB  int    `yaml:"shared_buffer_capacity_mb"`
	BlockCacheCapacityMB    int    `yaml:"block_cache_capacity_mb"`
	MetaCacheCapacityMB     int    `yaml:"meta_cache_capacity_mb"`
	PrefetchBufferCapacity  int    `yaml:"prefetch_buffer_capacity"`
	BlockSizeKB             int    `yaml:"block_size_kb"`
	CommitCheckpointInterval int   `yaml:"commit_checkpoint_interval"`
	RetentionSeconds        int    `yaml:"retention_seconds"`
}

// MetaConfig controls the meta node.
type MetaConfig struct {
	BarrierIntervalMS  int `yaml:"barrier_interval_ms"`
	HeartbeatTTLMS     int `yaml:"heartbeat_ttl_ms"`
	CompactionL0Trigger int `yaml:"compaction_l0_trigger"`
}

// Default returns a config populated with defaults suitable for a
// single-machine cluster.
func Default() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        4566,
		MetaAddr:    "127.0.0.1:5690",
		DataDir:     "./freshet-data",
		MetricsPort: 0,
		Streaming: StreamingConfig{
			ChunkSize:               256,
			ExchangeChannelCapacity: 64,
			RateLimit:               0,
			Parallelism:             0,
		},
		Storage: StorageConfig{
			ObjectStoreRoot:          "./freshet-data/hummock",
			SharedBufferCapacityMB:   64,
			BlockCacheCapacityMB:     64,
			MetaCacheCapacityMB:      16,
			PrefetchBufferCapacity:   16,
			BlockSizeKB:              64,
			CommitCheckpointInterval: 1,
			RetentionSeconds:         0,
		},
		Meta: MetaConfig{
			BarrierIntervalMS:   1000,
			HeartbeatTTLMS:      30000,
			CompactionL0Trigger: 8,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
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

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Streaming.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Streaming.ChunkSize)
	}
	if c.Streaming.ExchangeChannelCapacity <= 0 {
		return fmt.Errorf("exchange_channel_capacity must be positive, got %d", c.Streaming.ExchangeChannelCapacity)
	}
	if c.Storage.CommitCheckpointInterval < 1 {
		return fmt.Errorf("commit_checkpoint_interval must be >= 1, got %d", c.Storage.CommitCheckpointInterval)
	}
	if c.Meta.BarrierIntervalMS <= 0 {
		return fmt.Errorf("barrier_interval_ms must be positive, got %d", c.Meta.BarrierIntervalMS)
	}
	if c.Storage.BlockSizeKB <= 0 {
		return fmt.Errorf("block_size_kb must be positive, got %d", c.Storage.BlockSizeKB)
	}
	return nil
}

// BarrierInterval returns the barrier injection period.
func (c *Config) BarrierInterval() time.Duration {
	return time.Duration(c.Meta.BarrierIntervalMS) * time.Millisecond
}

// HeartbeatTTL returns the worker liveness TTL.
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.Meta.HeartbeatTTLMS) * time.Millisecond
}
