package streaming

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultMaxConnections    = 100
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleTimeout      = 60 * time.Second
	defaultMaxMessageSize    = 1 << 20
	defaultWriteTimeout      = 10 * time.Second

	defaultRateWindow   = 60 * time.Second
	defaultRateMessages = 600
	defaultRateBytes    = 1 << 20

	defaultHighWater    = 256 << 10
	defaultLowWater     = 64 << 10
	defaultMaxQueueSize = 1000

	defaultHistoryChunkSize = 100
	defaultHistoryTimeout   = 30 * time.Second
	defaultHistoricalLimit  = 10000
	defaultInitialTraces    = 100
)

// AuthConfig selects how clients prove themselves. With Enabled false every
// connection is trusted. API keys are compared in constant time; a bearer
// validator can be installed at runtime for opaque tokens.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig bounds inbound client messages over a fixed window.
type RateLimitConfig struct {
	Window            time.Duration `yaml:"window"`
	MaxMessages       int           `yaml:"max_messages"`
	MaxBytesPerWindow int           `yaml:"max_bytes_per_window"`
}

// BackpressureConfig shapes the per-client outbound queue. Watermarks are
// in queued bytes, the queue cap in messages.
type BackpressureConfig struct {
	HighWater    int  `yaml:"high_water"`
	LowWater     int  `yaml:"low_water"`
	MaxQueueSize int  `yaml:"max_queue_size"`
	DropOldest   bool `yaml:"drop_oldest"`
}

// Config holds the settings of the streaming server.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Port runs the websocket endpoint on its own listener in addition to
	// the shared HTTP router. 0 disables the extra listener.
	Port int `yaml:"port"`

	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// BinaryProtocol wraps every message in a length-and-checksum frame and
	// switches the socket to binary payloads.
	BinaryProtocol bool `yaml:"binary_protocol"`

	// CompressionEnabled negotiates permessage-deflate; shared fan-out
	// bytes are compressed once and reused across clients.
	CompressionEnabled bool `yaml:"compression_enabled"`

	HistoryChunkSize    int           `yaml:"history_chunk_size"`
	HistoryTimeout      time.Duration `yaml:"history_timeout"`
	HistoricalDataLimit int           `yaml:"historical_data_limit"`
	InitialTraces       int           `yaml:"initial_traces"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Enabled = true
	cfg.MaxConnections = defaultMaxConnections
	cfg.HeartbeatInterval = defaultHeartbeatInterval
	cfg.StaleTimeout = defaultStaleTimeout
	cfg.MaxMessageSize = defaultMaxMessageSize
	cfg.WriteTimeout = defaultWriteTimeout
	cfg.RateLimit = RateLimitConfig{
		Window:            defaultRateWindow,
		MaxMessages:       defaultRateMessages,
		MaxBytesPerWindow: defaultRateBytes,
	}
	cfg.Backpressure = BackpressureConfig{
		HighWater:    defaultHighWater,
		LowWater:     defaultLowWater,
		MaxQueueSize: defaultMaxQueueSize,
		DropOldest:   true,
	}
	cfg.HistoryChunkSize = defaultHistoryChunkSize
	cfg.HistoryTimeout = defaultHistoryTimeout
	cfg.HistoricalDataLimit = defaultHistoricalLimit
	cfg.InitialTraces = defaultInitialTraces

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Serve the live websocket fan-out.")
	f.IntVar(&cfg.Port, prefix+".port", cfg.Port, "Extra dedicated listener port for the websocket endpoint. 0 serves only on the shared HTTP port.")
	f.IntVar(&cfg.MaxConnections, prefix+".max-connections", cfg.MaxConnections, "Maximum concurrent websocket clients.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+".heartbeat-interval", cfg.HeartbeatInterval, "Interval between server heartbeats.")
}

func (cfg *Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive: %d", cfg.MaxConnections)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive: %s", cfg.HeartbeatInterval)
	}
	if cfg.StaleTimeout <= 0 {
		return fmt.Errorf("stale_timeout must be positive: %s", cfg.StaleTimeout)
	}
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive: %d", cfg.MaxMessageSize)
	}
	if cfg.Backpressure.LowWater >= cfg.Backpressure.HighWater {
		return fmt.Errorf("backpressure low_water (%d) must be below high_water (%d)", cfg.Backpressure.LowWater, cfg.Backpressure.HighWater)
	}
	if cfg.Backpressure.MaxQueueSize <= 0 {
		return fmt.Errorf("backpressure max_queue_size must be positive: %d", cfg.Backpressure.MaxQueueSize)
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.MaxMessages <= 0 || cfg.RateLimit.MaxBytesPerWindow <= 0 {
		return fmt.Errorf("rate_limit window, max_messages and max_bytes_per_window must be positive")
	}
	if cfg.HistoryChunkSize <= 0 {
		return fmt.Errorf("history_chunk_size must be positive: %d", cfg.HistoryChunkSize)
	}
	if cfg.HistoricalDataLimit <= 0 {
		return fmt.Errorf("historical_data_limit must be positive: %d", cfg.HistoricalDataLimit)
	}
	return nil
}
