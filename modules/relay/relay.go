// Package relay tees durably stored batches onto Redis streams, one stream
// per session, so out-of-process consumers can follow a run live without
// holding a websocket.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Relay publishes stored batches to Redis. It registers as a collector
// sink; publish failures are logged and counted but never propagated, the
// batch is already durable in local storage.
type Relay struct {
	services.Service

	cfg    Config
	logger log.Logger
	client *redis.Client
}

func New(cfg Config, logger log.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	r := &Relay{cfg: cfg, logger: logger}
	r.Service = services.NewIdleService(r.starting, r.stopping)
	return r, nil
}

func (r *Relay) starting(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:        r.cfg.Address,
		Username:    r.cfg.Username,
		Password:    r.cfg.Password.String(),
		DB:          r.cfg.DB,
		DialTimeout: r.cfg.DialTimeout,
	})
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", r.cfg.Address, err)
	}

	level.Info(r.logger).Log("msg", "relay connected", "address", r.cfg.Address, "stream_prefix", r.cfg.StreamPrefix)
	return nil
}

func (r *Relay) stopping(_ error) error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// StreamKey returns the Redis stream holding a session's events.
func (r *Relay) StreamKey(sessionID string) string {
	return r.cfg.StreamPrefix + sessionID
}

// ConsumeBatch appends every event to its session's stream in one pipeline.
// Streams are trimmed approximately to MaxStreamLength and refreshed with
// the configured TTL.
func (r *Relay) ConsumeBatch(ctx context.Context, batch []*model.Event) error {
	if !r.cfg.Enabled || r.client == nil || len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	start := time.Now()

	queued := 0
	streams := map[string]struct{}{}
	pipe := r.client.Pipeline()

	for _, e := range batch {
		values, err := streamValues(e)
		if err != nil {
			metricDropped.Inc()
			level.Error(r.logger).Log("msg", "relay event marshal failed", "event", e.ID, "err", err)
			continue
		}
		key := r.StreamKey(e.SessionID)
		streams[key] = struct{}{}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: r.cfg.MaxStreamLength,
			Approx: true,
			Values: values,
		})
		queued++
	}
	for key := range streams {
		pipe.Expire(ctx, key, r.cfg.StreamTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metricDropped.Add(float64(queued))
		return fmt.Errorf("relay publish of %d events: %w", queued, err)
	}
	metricPublished.Add(float64(queued))
	metricPublishDuration.Observe(time.Since(start).Seconds())
	return nil
}

// streamValues flattens an event into stream fields. The indexed fields let
// consumers filter without decoding; the full event rides along as JSON.
func streamValues(e *model.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":         e.ID,
		"session_id": e.SessionID,
		"agent_id":   e.AgentID,
		"type":       string(e.Type),
		"timestamp":  strconv.FormatInt(e.Timestamp, 10),
		"event":      string(payload),
	}, nil
}
