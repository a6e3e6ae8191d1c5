package replay

import (
	"flag"
	"fmt"
	"time"
)

const (
	defaultCacheSize    = 100
	defaultQueryTimeout = 30 * time.Second
)

// Config holds the settings of the state reconstructor.
type Config struct {
	// CacheSize caps the reconstructed-state LRU cache.
	CacheSize int `yaml:"cache_size"`

	// QueryTimeout bounds every reconstruction served over HTTP.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.CacheSize = defaultCacheSize
	cfg.QueryTimeout = defaultQueryTimeout

	f.IntVar(&cfg.CacheSize, prefix+".cache-size", cfg.CacheSize, "Number of reconstructed states kept in the LRU cache.")
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive: %d", cfg.CacheSize)
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive: %s", cfg.QueryTimeout)
	}
	return nil
}
