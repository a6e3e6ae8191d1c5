package tracedb

import (
	"flag"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultRetention      = 7 * 24 * time.Hour
	DefaultErrorRetention = 30 * 24 * time.Hour
	DefaultRetentionPoll  = 5 * time.Minute
)

type Config struct {
	// Path of the database file. ":memory:" keeps everything in process,
	// which the tests use.
	Path string `yaml:"path"`

	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`

	// Retention is how long events of closed sessions are kept. Events
	// whose phase is error keep the longer ErrorRetention.
	Retention      time.Duration `yaml:"retention"`
	ErrorRetention time.Duration `yaml:"retention_error"`
	RetentionPoll  time.Duration `yaml:"retention_poll"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.BusyTimeout = 5 * time.Second
	cfg.MaxOpenConns = 1
	cfg.Retention = DefaultRetention
	cfg.ErrorRetention = DefaultErrorRetention
	cfg.RetentionPoll = DefaultRetentionPoll

	f.StringVar(&cfg.Path, prefix+".path", "/var/hindsight/traces.db", "Path of the trace database file.")
	f.DurationVar(&cfg.Retention, prefix+".retention", cfg.Retention, "How long events of closed sessions are retained.")
	f.DurationVar(&cfg.RetentionPoll, prefix+".retention-poll", cfg.RetentionPoll, "How often the retention sweep runs.")
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if cfg.Retention <= 0 {
		return fmt.Errorf("retention must be greater than 0, got %s", cfg.Retention)
	}
	if cfg.ErrorRetention < cfg.Retention {
		return fmt.Errorf("retention_error (%s) cannot be shorter than retention (%s)", cfg.ErrorRetention, cfg.Retention)
	}
	if cfg.RetentionPoll <= 0 {
		return fmt.Errorf("retention_poll must be greater than 0, got %s", cfg.RetentionPoll)
	}
	return nil
}

// connectionURI renders the sqlite DSN: WAL journal, busy timeout, immediate
// write transactions.
func (cfg *Config) connectionURI() string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds()))
	params.Set("_synchronous", "NORMAL")
	params.Set("_txlock", "immediate")

	if cfg.Path == ":memory:" {
		// shared cache keeps all pool connections on the same in-memory db
		return "file::memory:?cache=shared&" + params.Encode()
	}
	u := url.URL{Scheme: "file", Opaque: cfg.Path}
	return u.String() + "?" + params.Encode()
}
