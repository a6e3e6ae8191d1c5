package relay

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

const (
	defaultAddress         = "localhost:6379"
	defaultStreamPrefix    = "hindsight:events:"
	defaultMaxStreamLength = 10000
	defaultStreamTTL       = 24 * time.Hour
	defaultPublishTimeout  = 5 * time.Second
	defaultDialTimeout     = 5 * time.Second
)

// Config holds the settings of the Redis relay. The relay is off unless
// Enabled is set; everything else has working defaults for a local Redis.
type Config struct {
	Enabled  bool           `yaml:"enabled"`
	Address  string         `yaml:"address"`
	Username string         `yaml:"username"`
	Password flagext.Secret `yaml:"password"`
	DB       int            `yaml:"db"`

	// StreamPrefix is prepended to the session id to form the stream key.
	StreamPrefix string `yaml:"stream_prefix"`

	// MaxStreamLength caps each session stream, trimmed approximately.
	MaxStreamLength int64         `yaml:"max_stream_length"`
	StreamTTL       time.Duration `yaml:"stream_ttl"`

	PublishTimeout time.Duration `yaml:"publish_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Address = defaultAddress
	cfg.StreamPrefix = defaultStreamPrefix
	cfg.MaxStreamLength = defaultMaxStreamLength
	cfg.StreamTTL = defaultStreamTTL
	cfg.PublishTimeout = defaultPublishTimeout
	cfg.DialTimeout = defaultDialTimeout

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Publish stored batches to Redis streams.")
	f.StringVar(&cfg.Address, prefix+".address", cfg.Address, "Redis host:port.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Address == "" {
		return fmt.Errorf("address is required when the relay is enabled")
	}
	if cfg.StreamPrefix == "" {
		return fmt.Errorf("stream_prefix must not be empty")
	}
	if cfg.MaxStreamLength <= 0 {
		return fmt.Errorf("max_stream_length must be positive: %d", cfg.MaxStreamLength)
	}
	if cfg.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive: %s", cfg.PublishTimeout)
	}
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive: %s", cfg.DialTimeout)
	}
	return nil
}
