package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/go-test/deep"
	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hindsightlabs/hindsight/pkg/httpclient"
	"github.com/hindsightlabs/hindsight/pkg/model"
)

var (
	prometheusListenAddress string
	prometheusPath          string

	hindsightQueryURL             string
	hindsightPushURL              string
	hindsightWriteBackoffDuration time.Duration
	hindsightReadBackoffDuration  time.Duration
	hindsightRetentionDuration    time.Duration

	logger *zap.Logger
)

type sessionMetrics struct {
	requested       int
	requestFailed   int
	notFound        int
	missingParents  int
	incorrectResult int
}

func init() {
	flag.StringVar(&prometheusPath, "prometheus-path", "/metrics", "The path to publish Prometheus metrics to.")
	flag.StringVar(&prometheusListenAddress, "prometheus-listen-address", ":80", "The address to listen on for Prometheus scrapes.")

	flag.StringVar(&hindsightQueryURL, "hindsight-query-url", "", "The URL (scheme://hostname:port) at which to query hindsight.")
	flag.StringVar(&hindsightPushURL, "hindsight-push-url", "", "The URL (scheme://hostname:port) at which to push events to hindsight.")
	flag.DurationVar(&hindsightWriteBackoffDuration, "hindsight-write-backoff-duration", 15*time.Second, "The amount of time to pause between write calls")
	flag.DurationVar(&hindsightReadBackoffDuration, "hindsight-read-backoff-duration", 30*time.Second, "The amount of time to pause between read calls")
	flag.DurationVar(&hindsightRetentionDuration, "hindsight-retention-duration", 168*time.Hour, "The trace retention that hindsight is using")
}

func main() {
	flag.Parse()

	config := zap.NewDevelopmentEncoderConfig()
	logger = zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(config),
		os.Stdout,
		zapcore.DebugLevel,
	))

	logger.Info("Hindsight Vulture starting")

	startTime := time.Now()
	tickerWrite := time.NewTicker(hindsightWriteBackoffDuration)
	tickerRead := time.NewTicker(hindsightReadBackoffDuration)
	interval := hindsightWriteBackoffDuration

	// Write
	go func() {
		c := httpclient.New(hindsightPushURL)

		for now := range tickerWrite.C {
			timestamp := now.Round(interval)

			sessionID, events := constructSessionFromEpoch(timestamp)

			log := logger.With(
				zap.String("write_session_id", sessionID),
				zap.Int64("seed", timestamp.Unix()),
				zap.Int("events", len(events)),
			)
			log.Info("sending events")

			resp, err := c.PushEvents(events)
			if err != nil {
				log.Error("error pushing events to hindsight", zap.Error(err))
				metricErrorTotal.Inc()
				continue
			}
			if resp.Rejected > 0 {
				log.Error("events rejected on push", zap.Int("rejected", resp.Rejected))
				metricErrorTotal.Inc()
			}
		}
	}()

	// Read
	go func() {
		c := httpclient.New(hindsightQueryURL)

		for now := range tickerRead.C {
			// the newest interval may still sit in the collector buffer,
			// only inspect intervals old enough to have been flushed
			intervals := intervalsBetween(startTime, now.Add(-interval), interval, hindsightRetentionDuration)
			if len(intervals) < 2 {
				continue
			}
			startTime = intervals[0]

			// pick a past interval and re-generate its session
			pick := generateRandomInt(0, int64(len(intervals)), newRand(now))
			seed := intervals[pick]

			metrics, err := querySessionAndAnalyze(c, seed)
			if err != nil {
				metricErrorTotal.Inc()
			}

			metricSessionsInspected.Add(float64(metrics.requested))
			metricSessionErrors.WithLabelValues("requestfailed").Add(float64(metrics.requestFailed))
			metricSessionErrors.WithLabelValues("notfound").Add(float64(metrics.notFound))
			metricSessionErrors.WithLabelValues("missingparents").Add(float64(metrics.missingParents))
			metricSessionErrors.WithLabelValues("incorrectresult").Add(float64(metrics.incorrectResult))
		}
	}()

	http.Handle(prometheusPath, promhttp.Handler())
	log.Fatal(http.ListenAndServe(prometheusListenAddress, nil))
}

func intervalsBetween(start, stop time.Time, interval time.Duration, retention time.Duration) []time.Time {
	if stop.Before(start) {
		return nil
	}

	intervals := []time.Time{start}
	next := start.Round(interval)

	for next.Before(stop) {
		intervals = append(intervals, next)
		next = next.Add(interval)
	}

	oldest := intervals[len(intervals)-1].Add(-retention)

	for i, t := range intervals {
		if t.Before(oldest) {
			continue
		}

		if t.After(oldest) {
			return intervals[i:]
		}
	}

	return intervals
}

func newRand(t time.Time) *rand.Rand {
	return rand.New(rand.NewSource(t.Unix()))
}

func generateRandomString(r *rand.Rand) string {
	var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

	s := make([]rune, generateRandomInt(5, 20, r))
	for i := range s {
		s[i] = letters[r.Intn(len(letters))]
	}
	return string(s)
}

func generateRandomTags(r *rand.Rand) []string {
	var tags []string
	count := generateRandomInt(1, 5, r)
	for i := int64(0); i < count; i++ {
		tags = append(tags, generateRandomString(r))
	}
	return tags
}

// generateRandomPayload keys are fixed so the collector's sanitizer never
// rewrites them and the read back payload compares equal.
func generateRandomPayload(r *rand.Rand) map[string]any {
	data := map[string]any{}
	count := generateRandomInt(1, 5, r)
	for i := int64(0); i < count; i++ {
		data[fmt.Sprintf("attr-%d", i)] = generateRandomString(r)
	}
	return data
}

func generateRandomInt(min int64, max int64, r *rand.Rand) int64 {
	min++
	number := min + r.Int63n(max-min)
	return number
}

var (
	syntheticPhases = []model.Phase{
		model.PhaseStart,
		model.PhaseProgress,
		model.PhaseComplete,
		model.PhaseError,
	}
	syntheticSeverities = []model.Severity{
		model.SeverityLow,
		model.SeverityMedium,
		model.SeverityHigh,
		model.SeverityCritical,
	}
)

// constructSessionFromEpoch deterministically derives a session and its
// events from the epoch. The write path sends exactly this, the read path
// re-generates it as the expected result.
func constructSessionFromEpoch(epoch time.Time) (string, []*model.Event) {
	r := newRand(epoch)

	sessionID := fmt.Sprintf("vulture-%016x", r.Int63())
	base := epoch.UnixMilli()

	count := generateRandomInt(1, 20, r)
	events := make([]*model.Event, 0, count)

	root := makeSyntheticEvent(sessionID, "", base, 0, r)
	root.Type = model.EventTypeAgentSpawn
	root.Phase = model.PhaseStart
	events = append(events, root)

	for i := int64(1); i < count; i++ {
		events = append(events, makeSyntheticEvent(sessionID, root.ID, base, i, r))
	}

	return sessionID, events
}

// makeSyntheticEvent fills every field the collector would otherwise
// default, so the stored form round-trips unchanged. Timestamps step by one
// millisecond per event to keep the stored order total.
func makeSyntheticEvent(sessionID, parentID string, base, i int64, r *rand.Rand) *model.Event {
	id := fmt.Sprintf("%016x%016x", r.Int63(), r.Int63())

	typ := model.AllEventTypes[r.Intn(len(model.AllEventTypes))]

	e := &model.Event{
		ID:            id,
		Timestamp:     base + i,
		SessionID:     sessionID,
		AgentID:       fmt.Sprintf("vulture-agent-%d", generateRandomInt(0, 5, r)),
		ParentID:      parentID,
		CorrelationID: id,
		Type:          typ,
		Phase:         syntheticPhases[r.Intn(len(syntheticPhases))],
		Data:          generateRandomPayload(r),
		Metadata: &model.Metadata{
			Source:   "vulture",
			Severity: syntheticSeverities[r.Intn(len(syntheticSeverities))],
			Tags:     generateRandomTags(r),
		},
	}

	if typ == model.EventTypePerfMetric || typ == model.EventTypeTaskComplete {
		e.Performance = &model.PerformanceRecord{
			DurationMs:  float64(generateRandomInt(0, 100, r)),
			MemoryBytes: generateRandomInt(0, 1<<20, r),
			CPUMicros:   generateRandomInt(0, 1000, r),
		}
	}

	return e
}

func querySessionAndAnalyze(c *httpclient.Client, seed time.Time) (sessionMetrics, error) {
	sm := sessionMetrics{
		requested: 1,
	}

	sessionID, expected := constructSessionFromEpoch(seed)

	logger := logger.With(
		zap.String("query_session_id", sessionID),
		zap.Int64("seed", seed.Unix()),
		zap.Duration("ago", time.Since(seed)),
	)
	logger.Info("querying hindsight")

	events, err := c.SearchSessionTraces(sessionID, 0, 0, 0, nil)
	if err != nil {
		if errors.Is(err, httpclient.ErrNotFound) {
			sm.notFound++
		} else {
			sm.requestFailed++
		}
		logger.Error("error querying hindsight", zap.Error(err))
		return sm, err
	}

	if len(events) == 0 {
		logger.Error("session contains 0 events")
		sm.notFound++
		return sm, nil
	}

	if hasMissingParents(events) {
		logger.Error("session has missing parent events")
		sm.missingParents++
	}

	if !equalSessions(expected, events) {
		sm.incorrectResult++
		if diff := deep.Equal(expected, events); diff != nil {
			for _, d := range diff {
				logger.Error("incorrect result",
					zap.String("expected -> response", d),
				)
			}
		}
	}

	return sm, nil
}

func equalSessions(a, b []*model.Event) bool {
	sortEvents(a)
	sortEvents(b)

	return reflect.DeepEqual(a, b)
}

func sortEvents(events []*model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}

// hasMissingParents reports whether any event references a parent that is
// not part of the returned session.
func hasMissingParents(events []*model.Event) bool {
	ids := make(map[string]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}

	for _, e := range events {
		if e.ParentID == "" {
			continue
		}
		if _, ok := ids[e.ParentID]; !ok {
			return true
		}
	}

	return false
}
