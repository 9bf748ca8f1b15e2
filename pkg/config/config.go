package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root broker configuration. Every field has a documented
// default applied by Default(); values loaded from YAML or the environment
// override the defaults and are validated before use.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	Storage   StorageConfig  `yaml:"storage"`
	Engine    EngineConfig   `yaml:"engine"`
	Buffer    BufferConfig   `yaml:"buffer"`
	Events    EventsConfig   `yaml:"events"`
	Detectors DetectorConfig `yaml:"detectors"`
	Actors    ActorConfig    `yaml:"actors"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// LogConfig controls logger output
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Driver is "postgres" for production or "memory" for tests and local runs
	Driver       string `yaml:"driver" validate:"oneof=postgres memory"`
	DSN          string `yaml:"dsn"`
	MaxConns     int32  `yaml:"max_conns" validate:"gte=1"`
	EventChannel string `yaml:"event_channel" validate:"required"`
}

// EngineConfig tunes the queue engine and its background tasks
type EngineConfig struct {
	// MaxPayloadBytes caps a single message payload; 0 disables the cap
	MaxPayloadBytes int `yaml:"max_payload_bytes" validate:"gte=0"`
	// ReaperIntervalSeconds is the base interval between expired-lock sweeps
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds" validate:"gte=1"`
	// RetryAttempts is the budget for transient storage errors per operation
	RetryAttempts int `yaml:"retry_attempts" validate:"gte=0"`
	// RetryBackoffMs is the initial backoff; doubles per attempt
	RetryBackoffMs int `yaml:"retry_backoff_ms" validate:"gte=1"`
	// AckGraceSeconds keeps acknowledged rows around before retention
	// pruning removes them; 0 keeps them until queue retention applies
	AckGraceSeconds int `yaml:"ack_grace_seconds" validate:"gte=0"`
}

// BufferConfig controls the coalescing enqueue buffer
type BufferConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxSize   int  `yaml:"max_size" validate:"gte=1"`
	MaxWaitMs int  `yaml:"max_wait_ms" validate:"gte=1"`
}

// EventsConfig controls the in-process event bus
type EventsConfig struct {
	// SubscriberBuffer is the bounded per-subscriber queue depth
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"gte=1"`
}

// DetectorConfig carries the anomaly detection thresholds. Missing values
// mean "use the default"; invalid values fail validation at startup.
type DetectorConfig struct {
	FlashThresholdMs  int64   `yaml:"flash_threshold_ms" validate:"gte=0"`
	LargePayloadBytes int     `yaml:"large_payload_bytes" validate:"gte=0"`
	LongProcessingMs  int64   `yaml:"long_processing_ms" validate:"gte=0"`
	NearDLQThreshold  int     `yaml:"near_dlq_threshold" validate:"gte=0"`
	ZombieMultiplier  float64 `yaml:"zombie_multiplier" validate:"gte=1"`
	BurstCount        int     `yaml:"burst_count" validate:"gte=1"`
	BurstSeconds      int     `yaml:"burst_seconds" validate:"gte=1"`
	BulkThreshold     int     `yaml:"bulk_threshold" validate:"gte=1"`
}

// ActorConfig names the actors recorded in activity_log.triggered_by for
// system-initiated and dashboard-initiated operations.
type ActorConfig struct {
	Relay  string `yaml:"relay" validate:"required"`
	Manual string `yaml:"manual" validate:"required"`
}

// MetricsConfig controls the metrics/health HTTP listener
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration with every documented default applied
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Storage: StorageConfig{
			Driver:       "postgres",
			DSN:          "postgres://localhost:5432/courier",
			MaxConns:     10,
			EventChannel: "queue_events",
		},
		Engine: EngineConfig{
			MaxPayloadBytes:       10 * 1024 * 1024,
			ReaperIntervalSeconds: 10,
			RetryAttempts:         3,
			RetryBackoffMs:        50,
			AckGraceSeconds:       0,
		},
		Buffer: BufferConfig{
			Enabled:   false,
			MaxSize:   100,
			MaxWaitMs: 50,
		},
		Events: EventsConfig{
			SubscriberBuffer: 64,
		},
		Detectors: DetectorConfig{
			FlashThresholdMs:  50,
			LargePayloadBytes: 256 * 1024,
			LongProcessingMs:  30_000,
			NearDLQThreshold:  1,
			ZombieMultiplier:  3.0,
			BurstCount:        50,
			BurstSeconds:      10,
			BulkThreshold:     10,
		},
		Actors: ActorConfig{
			Relay:  "relay",
			Manual: "manual",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result. An empty path returns the defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks all field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overrides select fields from COURIER_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("COURIER_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("COURIER_DATABASE_URL"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("COURIER_EVENT_CHANNEL"); v != "" {
		c.Storage.EventChannel = v
	}
	if v := os.Getenv("COURIER_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("COURIER_BUFFER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Buffer.Enabled = b
		}
	}
}
