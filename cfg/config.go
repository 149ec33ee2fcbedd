package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy defines behavior when a subscriber's outbound queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the least-recent undelivered envelope,
	// keeping the queue full of most-recent state.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowBlock applies backpressure to the producer until space frees.
	OverflowBlock OverflowPolicy = "block"
)

// ShutdownPolicy defines what happens to queued envelopes on engine stop.
type ShutdownPolicy string

const (
	ShutdownDrain   ShutdownPolicy = "drain"
	ShutdownAbandon ShutdownPolicy = "abandon"
)

// DistributionConfiguration controls fan-out and delivery behavior
type DistributionConfiguration struct {
	QueueCapacity  int            `toml:"queue_capacity"`
	OverflowPolicy OverflowPolicy `toml:"overflow_policy"`
	MaxSendRetries int            `toml:"max_send_retries"`
	RetryBackoffMS int            `toml:"retry_backoff_ms"`
	ShutdownPolicy ShutdownPolicy `toml:"shutdown_policy"`
}

// BuilderConfiguration controls envelope construction
type BuilderConfiguration struct {
	AllowTableRedefinition bool `toml:"allow_table_redefinition"`
	// Rows whose scalar payload exceeds this many bytes are carried as a
	// binary batch instead of a column map.
	BatchRowThresholdBytes int `toml:"batch_row_threshold_bytes"`
	SnapshotCacheSize      int `toml:"snapshot_cache_size"`
}

// ServerConfiguration controls the streaming endpoint
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// zstd level for stream compression; 0 disables
	CompressionLevel int `toml:"compression_level"`
}

// SinkConfiguration describes one egress sink mirroring published envelopes
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"` // "nats" or "kafka"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	FilterTables []string `toml:"filter_tables"`
}

// AdminConfiguration controls the admin HTTP API
type AdminConfiguration struct {
	Enabled bool `toml:"enabled"`
	// AuthSecret protects the admin endpoints; empty disables auth
	AuthSecret string `toml:"auth_secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Distribution DistributionConfiguration `toml:"distribution"`
	Builder      BuilderConfiguration      `toml:"builder"`
	Server       ServerConfiguration       `toml:"server"`
	Sinks        []SinkConfiguration       `toml:"sink"`
	Admin        AdminConfiguration        `toml:"admin"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Bus port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Distribution: DistributionConfiguration{
		QueueCapacity:  256,
		OverflowPolicy: OverflowDropOldest,
		MaxSendRetries: 3,
		RetryBackoffMS: 100,
		ShutdownPolicy: ShutdownDrain,
	},

	Builder: BuilderConfiguration{
		AllowTableRedefinition: true,
		BatchRowThresholdBytes: 4096,
		SnapshotCacheSize:      128,
	},

	Server: ServerConfiguration{
		BindAddress:      "0.0.0.0",
		Port:             8484,
		CompressionLevel: 0,
	},

	Admin: AdminConfiguration{
		Enabled: true,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("deltabus")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", Config.Server.Port)
	}

	switch Config.Distribution.OverflowPolicy {
	case OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("invalid overflow policy: %q", Config.Distribution.OverflowPolicy)
	}

	switch Config.Distribution.ShutdownPolicy {
	case ShutdownDrain, ShutdownAbandon:
	default:
		return fmt.Errorf("invalid shutdown policy: %q", Config.Distribution.ShutdownPolicy)
	}

	if Config.Distribution.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1")
	}

	if Config.Distribution.MaxSendRetries < 0 {
		return fmt.Errorf("max send retries must be >= 0")
	}

	if Config.Builder.BatchRowThresholdBytes < 0 {
		return fmt.Errorf("batch row threshold must be >= 0")
	}

	for _, sink := range Config.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown sink type %q", sink.Name, sink.Type)
		}
	}

	return nil
}
