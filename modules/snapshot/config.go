package snapshot

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultAutomaticInterval    = 30 * time.Second
	defaultMaxRetention         = 24 * time.Hour
	defaultMaxPerSession        = 1000
	defaultCompressionThreshold = 1024
	defaultRetentionPoll        = time.Minute
	defaultCreateTimeout        = 30 * time.Second
)

// Config holds the settings of the snapshot manager.
type Config struct {
	// AutomaticInterval is how often automatic per-session capture runs.
	AutomaticInterval time.Duration `yaml:"automatic_interval"`

	// MaxRetention is how long non-tagged snapshots are kept. Tagged
	// snapshots are only deleted explicitly.
	MaxRetention  time.Duration `yaml:"max_retention"`
	RetentionPoll time.Duration `yaml:"retention_poll"`

	// MaxSnapshotsPerSession caps snapshots per session; excess non-tagged
	// snapshots are evicted oldest first.
	MaxSnapshotsPerSession int `yaml:"max_snapshots_per_session"`

	// IncrementalEnabled lets Create store a delta against the latest full
	// snapshot when the delta is small enough to be worth the chain hop.
	IncrementalEnabled bool `yaml:"incremental_enabled"`

	CompressionEnabled   bool  `yaml:"compression_enabled"`
	CompressionThreshold int64 `yaml:"compression_threshold_bytes"`

	// ChecksumValidation verifies payload checksums on every restore and
	// import.
	ChecksumValidation bool `yaml:"checksum_validation"`

	// CreateTimeout bounds each automatic capture.
	CreateTimeout time.Duration `yaml:"create_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.AutomaticInterval = defaultAutomaticInterval
	cfg.MaxRetention = defaultMaxRetention
	cfg.RetentionPoll = defaultRetentionPoll
	cfg.MaxSnapshotsPerSession = defaultMaxPerSession
	cfg.IncrementalEnabled = true
	cfg.CompressionEnabled = true
	cfg.CompressionThreshold = defaultCompressionThreshold
	cfg.ChecksumValidation = true
	cfg.CreateTimeout = defaultCreateTimeout

	f.DurationVar(&cfg.AutomaticInterval, prefix+".automatic-interval", cfg.AutomaticInterval, "Interval between automatic snapshots of a watched session.")
	f.DurationVar(&cfg.MaxRetention, prefix+".max-retention", cfg.MaxRetention, "How long non-tagged snapshots are retained.")
	f.IntVar(&cfg.MaxSnapshotsPerSession, prefix+".max-per-session", cfg.MaxSnapshotsPerSession, "Snapshot count cap per session.")
	f.BoolVar(&cfg.IncrementalEnabled, prefix+".incremental-enabled", cfg.IncrementalEnabled, "Store deltas against the latest full snapshot when small enough.")
}

func (cfg *Config) Validate() error {
	if cfg.AutomaticInterval <= 0 {
		return fmt.Errorf("automatic_interval must be positive: %s", cfg.AutomaticInterval)
	}
	if cfg.MaxRetention <= 0 {
		return fmt.Errorf("max_retention must be positive: %s", cfg.MaxRetention)
	}
	if cfg.RetentionPoll <= 0 {
		return fmt.Errorf("retention_poll must be positive: %s", cfg.RetentionPoll)
	}
	if cfg.MaxSnapshotsPerSession <= 0 {
		return fmt.Errorf("max_snapshots_per_session must be positive: %d", cfg.MaxSnapshotsPerSession)
	}
	if cfg.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold_bytes must not be negative: %d", cfg.CompressionThreshold)
	}
	return nil
}
