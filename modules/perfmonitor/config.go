package perfmonitor

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultInterval  = 10 * time.Second
	defaultSessionID = "system"
)

// Config controls the runtime sampler. Samples land in the configured
// session so dashboards can subscribe to them like any other agent.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	SessionID string        `yaml:"session_id"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Interval = defaultInterval
	cfg.SessionID = defaultSessionID

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Emit periodic PERFORMANCE_METRIC events for the process itself.")
	f.DurationVar(&cfg.Interval, prefix+".interval", cfg.Interval, "Interval between runtime samples.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive: %s", cfg.Interval)
	}
	if cfg.SessionID == "" {
		return fmt.Errorf("session_id must not be empty")
	}
	return nil
}
