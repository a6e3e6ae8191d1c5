package storage

import (
	"flag"
	"time"

	"github.com/hindsightlabs/hindsight/pkg/util"
	"github.com/hindsightlabs/hindsight/tracedb"
)

// Config holds the settings of the storage module.
type Config struct {
	TraceDB tracedb.Config `yaml:"tracedb"`

	// QueryTimeout bounds every read handled by the HTTP API.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.QueryTimeout = 30 * time.Second

	cfg.TraceDB.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "tracedb"), f)
}

func (cfg *Config) Validate() error {
	return cfg.TraceDB.Validate()
}
