package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	WAL         WALConfig         `yaml:"wal"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Replication ReplicationConfig `yaml:"replication"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// NodeConfig identifies the node and its role
type NodeConfig struct {
	ID      string `yaml:"id"`
	Role    string `yaml:"role" validate:"oneof=primary standby"`
	DataDir string `yaml:"data_dir" validate:"required"`
}

// WALConfig configures the log manager
type WALConfig struct {
	SegmentSize     uint32 `yaml:"segment_size" validate:"gte=4096"`
	RetainSegments  uint64 `yaml:"retain_segments"`
	SegmentCacheMB  int64  `yaml:"segment_cache_mb" validate:"gte=0"`
	FsyncOnAppend   bool   `yaml:"fsync_on_append"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

// ArchiveConfig configures the archiver
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Sink           string        `yaml:"sink" validate:"oneof=directory s3 none"`
	Directory      string        `yaml:"directory"`
	S3Bucket       string        `yaml:"s3_bucket"`
	S3Prefix       string        `yaml:"s3_prefix"`
	S3Region       string        `yaml:"s3_region"`
	S3Endpoint     string        `yaml:"s3_endpoint"`
	S3AccessKey    string        `yaml:"s3_access_key"`
	S3SecretKey    string        `yaml:"s3_secret_key"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	MaxRetryWindow time.Duration `yaml:"max_retry_window"`
}

// ReplicationConfig configures both the primary and standby roles
type ReplicationConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	PrimaryAddr        string        `yaml:"primary_addr"`
	SlotName           string        `yaml:"slot_name"`
	Mode               string        `yaml:"mode" validate:"oneof=async sync"`
	SyncQuorum         int           `yaml:"sync_quorum" validate:"gte=0"`
	QuorumTimeout      time.Duration `yaml:"quorum_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	MaxReplayDelay     time.Duration `yaml:"max_replay_delay"`
	MaxPinnedSegments  uint64        `yaml:"max_pinned_segments"`
	FeedListenAddr     string        `yaml:"feed_listen_addr"`
	SendBufferRecords  int           `yaml:"send_buffer_records" validate:"gte=1"`
}

// AdminConfig configures the control-plane HTTP server
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns a configuration with sane defaults for a single primary
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role:    "primary",
			DataDir: "./data/wald",
		},
		WAL: WALConfig{
			SegmentSize:     16 * 1024 * 1024,
			RetainSegments:  0,
			SegmentCacheMB:  64,
			FsyncOnAppend:   true,
			RecycleInterval: time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Sink:           "none",
			RetryBase:      time.Second,
			RetryMax:       time.Minute,
			MaxRetryWindow: 30 * time.Minute,
		},
		Replication: ReplicationConfig{
			ListenAddr:        "127.0.0.1:7432",
			Mode:              "async",
			SyncQuorum:        1,
			QuorumTimeout:     10 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			ReconnectDelay:    3 * time.Second,
			MaxReplayDelay:    30 * time.Second,
			MaxPinnedSegments: 64,
			SendBufferRecords: 1024,
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:7433",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and validates.
// A missing file is not an error; defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides.
// Environment variables take precedence over the file.
func applyEnvironmentOverrides(cfg *Config) {
	if id := os.Getenv("WALD_NODE_ID"); id != "" {
		cfg.Node.ID = id
	}
	if role := os.Getenv("WALD_ROLE"); role != "" {
		cfg.Node.Role = role
	}
	if dir := os.Getenv("WALD_DATA_DIR"); dir != "" {
		cfg.Node.DataDir = dir
	}
	if addr := os.Getenv("WALD_LISTEN_ADDR"); addr != "" {
		cfg.Replication.ListenAddr = addr
	}
	if addr := os.Getenv("WALD_PRIMARY_ADDR"); addr != "" {
		cfg.Replication.PrimaryAddr = addr
	}
	if addr := os.Getenv("WALD_ADMIN_ADDR"); addr != "" {
		cfg.Admin.ListenAddr = addr
	}
	if q := os.Getenv("WALD_SYNC_QUORUM"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			cfg.Replication.SyncQuorum = n
		}
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

// Validate checks structural constraints and cross-field requirements
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if c.Node.Role == "standby" && c.Replication.PrimaryAddr == "" {
		return fmt.Errorf("configuration validation failed: standby role requires replication.primary_addr")
	}
	if c.Archive.Enabled {
		switch c.Archive.Sink {
		case "directory":
			if c.Archive.Directory == "" {
				return fmt.Errorf("configuration validation failed: directory sink requires archive.directory")
			}
		case "s3":
			if c.Archive.S3Bucket == "" {
				return fmt.Errorf("configuration validation failed: s3 sink requires archive.s3_bucket")
			}
		case "none":
			return fmt.Errorf("configuration validation failed: archive enabled but sink is none")
		}
	}
	return nil
}
