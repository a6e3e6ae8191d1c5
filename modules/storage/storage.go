// Package storage wraps tracedb in a service that runs the retention
// sweeper and serves the session/trace HTTP API.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/hindsightlabs/hindsight/tracedb"
)

// ErrInit marks a trace database that could not be opened at startup. The
// launcher maps it to its own exit code.
var ErrInit = errors.New("trace store initialization failed")

// Store is the read/write surface handed to the other modules.
type Store interface {
	tracedb.Reader
	tracedb.Writer
}

// Storage owns the trace database for the lifetime of the process.
type Storage struct {
	services.Service

	cfg    Config
	logger log.Logger

	db *tracedb.DB
}

// New opens the database. The returned service runs the retention loop
// until stopped.
func New(cfg Config, logger log.Logger) (*Storage, error) {
	db, err := tracedb.New(&cfg.TraceDB, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInit, err)
	}

	s := &Storage{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)

	return s, nil
}

// Store returns the database handle shared with the other modules.
func (s *Storage) Store() Store {
	return s.db
}

func (s *Storage) running(ctx context.Context) error {
	s.db.RetentionLoop(ctx)
	return nil
}

func (s *Storage) stopping(_ error) error {
	if err := s.db.Close(); err != nil {
		level.Error(s.logger).Log("msg", "failed to close trace db", "err", err)
		return err
	}
	return nil
}
