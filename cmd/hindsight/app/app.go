package app

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/hindsightlabs/hindsight/modules/collector"
	"github.com/hindsightlabs/hindsight/modules/perfmonitor"
	"github.com/hindsightlabs/hindsight/modules/relay"
	"github.com/hindsightlabs/hindsight/modules/replay"
	"github.com/hindsightlabs/hindsight/modules/snapshot"
	"github.com/hindsightlabs/hindsight/modules/storage"
	"github.com/hindsightlabs/hindsight/modules/streaming"
	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/util"
	"github.com/hindsightlabs/hindsight/pkg/util/log"
)

const metricsNamespace = "hindsight"

// Config is the root config for App.
type Config struct {
	Target                 string `yaml:"target,omitempty"`
	HTTPAPIPrefix          string `yaml:"http_api_prefix"`
	EnableGoRuntimeMetrics bool   `yaml:"enable_go_runtime_metrics,omitempty"`

	Server      server.Config      `yaml:"server,omitempty"`
	Storage     storage.Config     `yaml:"storage,omitempty"`
	Collector   collector.Config   `yaml:"collector,omitempty"`
	Replay      replay.Config      `yaml:"replay,omitempty"`
	Snapshots   snapshot.Config    `yaml:"snapshots,omitempty"`
	Streaming   streaming.Config   `yaml:"streaming,omitempty"`
	Relay       relay.Config       `yaml:"relay,omitempty"`
	PerfMonitor perfmonitor.Config `yaml:"perf_monitor,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flag.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	// global settings
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "", "String prefix for all http api endpoints.")
	f.BoolVar(&c.EnableGoRuntimeMetrics, "enable-go-runtime-metrics", false, "Set to true to enable all Go runtime metrics.")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)

	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 7171, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	// Everything else
	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
	c.Collector.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "collector"), f)
	c.Replay.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "replay"), f)
	c.Snapshots.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "snapshots"), f)
	c.Streaming.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "streaming"), f)
	c.Relay.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "relay"), f)
	c.PerfMonitor.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "perf-monitor"), f)
}

// NewDefaultConfig returns a Config with all default values set.
func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// Validate returns the first broken module section. The launcher exits with
// its config error code on any of these.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		cfg  interface{ Validate() error }
	}{
		{"storage", &c.Storage},
		{"collector", &c.Collector},
		{"replay", &c.Replay},
		{"snapshots", &c.Snapshots},
		{"streaming", &c.Streaming},
		{"relay", &c.Relay},
		{"perf_monitor", &c.PerfMonitor},
	}

	for _, s := range sections {
		if err := s.cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ConfigWarning bundles a warning message with an explanation and is emitted
// for configurations that are legal but probably not what the operator meant.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnSnapshotsOutliveTraces = ConfigWarning{
		Message: "snapshots.max_retention > storage.tracedb.retention",
		Explain: "Restored snapshots may reference traces the retention sweeper already deleted",
	}
	warnStaleBeforeHeartbeat = ConfigWarning{
		Message: "streaming.stale_timeout < streaming.heartbeat_interval",
		Explain: "Idle clients can be swept as stale before the first server heartbeat reaches them",
	}
	warnFlushSlowerThanCapture = ConfigWarning{
		Message: "collector.flush_interval > snapshots.automatic_interval",
		Explain: "Automatic snapshots may capture state that trails the ingest stream",
	}
)

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Snapshots.MaxRetention > c.Storage.TraceDB.Retention {
		warnings = append(warnings, warnSnapshotsOutliveTraces)
	}
	if c.Streaming.StaleTimeout < c.Streaming.HeartbeatInterval {
		warnings = append(warnings, warnStaleBeforeHeartbeat)
	}
	if c.Collector.FlushInterval > c.Snapshots.AutomaticInterval {
		warnings = append(warnings, warnFlushSlowerThanCapture)
	}

	return warnings
}

var metricConfigFeatDesc = prometheus.NewDesc(
	metricsNamespace+"_feature_enabled",
	"Is the feature enabled?",
	[]string{"feature"}, nil,
)

// Describe implements prometheus.Collector
func (c *Config) Describe(ch chan<- *prometheus.Desc) {
	ch <- metricConfigFeatDesc
}

// Collect implements prometheus.Collector
func (c *Config) Collect(ch chan<- prometheus.Metric) {
	features := map[string]bool{
		"collector":       c.Collector.Enabled,
		"streaming":       c.Streaming.Enabled,
		"streaming_auth":  c.Streaming.Auth.Enabled,
		"binary_protocol": c.Streaming.BinaryProtocol,
		"relay":           c.Relay.Enabled,
		"perf_monitor":    c.PerfMonitor.Enabled,
	}

	for label, enabled := range features {
		value := 0.0
		if enabled {
			value = 1.0
		}
		ch <- prometheus.MustNewConstMetric(metricConfigFeatDesc, prometheus.GaugeValue, value, label)
	}
}

// App is the root datastructure.
type App struct {
	cfg Config

	Server *server.Server

	store       *storage.Storage
	collector   *collector.Collector
	replayer    *replay.Replayer
	snapshots   *snapshot.Manager
	streamer    *streaming.Streamer
	relay       *relay.Relay
	perfMonitor *perfmonitor.Monitor

	ModuleManager  *modules.Manager
	serviceMap     map[string]services.Service
	serviceManager *services.Manager
	deps           map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received or a module fails.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}
	t.serviceManager = sm

	// before starting servers, register /ready handler and gRPC health check service.
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathEcho)).Handler(echoHandler())
	grpc_health_v1.RegisterHealthServer(t.Server.GRPC, grpcutil.NewHealthCheck(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "Hindsight started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "Hindsight stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
					t.recordModuleFailure(m, service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	if err := sm.AwaitStopped(context.Background()); err != nil {
		return err
	}

	// all services are terminal here; surface the first real failure so the
	// launcher can map its exit code
	for m, s := range t.serviceMap {
		if s.State() == services.Failed && s.FailureCase() != modules.ErrStopProcess {
			return fmt.Errorf("module %s failed: %w", m, s.FailureCase())
		}
	}

	return nil
}

// Stop initiates shutdown of all running services. Run returns once they
// have all stopped.
func (t *App) Stop() {
	if t.serviceManager != nil {
		t.serviceManager.StopAsync()
	}
}

// recordModuleFailure pushes a terminal TASK_FAIL event through the
// collector so the failure is visible in the trace stream itself. Best
// effort: the failed module may be the collector or the store.
func (t *App) recordModuleFailure(module string, cause error) {
	if t.collector == nil || cause == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := t.collector.Collect(ctx, &model.Event{
		SessionID: "system",
		AgentID:   "system",
		Type:      model.EventTypeTaskFail,
		Phase:     model.PhaseError,
		Data: map[string]any{
			"module": module,
			"error":  cause.Error(),
		},
		Metadata: &model.Metadata{Source: "supervisor", Severity: model.SeverityCritical},
	})
	if err == nil {
		err = t.collector.Flush(ctx)
	}
	if err != nil {
		level.Debug(log.Logger).Log("msg", "failed to record module failure", "module", module, "err", err)
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
