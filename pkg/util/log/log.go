// Package log holds the process-wide go-kit logger and helpers around it.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Logger is the shared go-kit logger. Components that can take an injected
// logger should; this is for the places that can't.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global gokit logger and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// use UTC timestamps and skip 5 stack frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}

var metricDiscardedLogLines = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hindsight",
	Name:      "rate_limited_log_lines_discarded_total",
	Help:      "Total log lines discarded by rate-limited loggers.",
})

// RateLimitedLogger caps how many lines per second a hot path may emit.
// Discarded lines are counted, not buffered.
type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  kitlog.Logger
}

// NewRateLimitedLogger returns a logger emitting at most logsPerSecond
// lines, with a burst of the same size.
func NewRateLimitedLogger(logsPerSecond int, logger kitlog.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), logsPerSecond),
		logger:  logger,
	}
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if l.limiter.Allow() {
		return l.logger.Log(keyvals...)
	}
	metricDiscardedLogLines.Inc()
	return nil
}
