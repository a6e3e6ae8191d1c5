package collector

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"

	filterconfig "github.com/hindsightlabs/hindsight/pkg/eventfilter/config"
	"github.com/hindsightlabs/hindsight/pkg/sampler"
)

const (
	defaultBufferSize    = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultAdjustPeriod  = 5 * time.Second

	// per-(agent,type) admission budget
	defaultRateLimitPerKey = 100
	defaultRateLimitBurst  = 100

	defaultAggregateEvents = 1000
)

type Config struct {
	Enabled      bool    `yaml:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate"`

	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// AdjustPeriod is how often the adaptive sampling controller runs.
	AdjustPeriod time.Duration `yaml:"adjust_period"`

	RateLimitPerKey float64 `yaml:"rate_limit_per_key"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`

	// AggregateEvents caps the per-agent event ring.
	AggregateEvents int `yaml:"aggregate_events"`

	FilterPolicies []filterconfig.FilterPolicy `yaml:"filter_policies,omitempty"`

	// LogReceivedEvents dumps every admitted event at debug level.
	LogReceivedEvents bool `yaml:"log_received_events"`

	Retry backoff.Config `yaml:"retry"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Enabled = true
	cfg.SamplingRate = 1.0
	cfg.BufferSize = defaultBufferSize
	cfg.BatchSize = defaultBatchSize
	cfg.FlushInterval = defaultFlushInterval
	cfg.AdjustPeriod = defaultAdjustPeriod
	cfg.RateLimitPerKey = defaultRateLimitPerKey
	cfg.RateLimitBurst = defaultRateLimitBurst
	cfg.AggregateEvents = defaultAggregateEvents
	cfg.Retry = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 3,
	}

	f.BoolVar(&cfg.Enabled, prefix+".enabled", cfg.Enabled, "Master admission switch. Disabled collectors drop every event.")
	f.Float64Var(&cfg.SamplingRate, prefix+".sampling-rate", cfg.SamplingRate, "Base sampling rate before adaptive control.")
	f.IntVar(&cfg.BufferSize, prefix+".buffer-size", cfg.BufferSize, "Admission buffer capacity in events.")
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", cfg.BatchSize, "Events per storage batch.")
	f.DurationVar(&cfg.FlushInterval, prefix+".flush-interval", cfg.FlushInterval, "Max time between flushes.")
}

func (cfg *Config) Validate() error {
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > sampler.MaxRate {
		return fmt.Errorf("sampling_rate must be within (0, %v]: %v", sampler.MaxRate, cfg.SamplingRate)
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive: %d", cfg.BufferSize)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.BufferSize {
		return fmt.Errorf("batch_size must be within (0, buffer_size]: %d", cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive: %s", cfg.FlushInterval)
	}
	for i := range cfg.FilterPolicies {
		if err := filterconfig.ValidateFilterPolicy(cfg.FilterPolicies[i]); err != nil {
			return fmt.Errorf("filter policy %d: %w", i, err)
		}
	}
	return nil
}
