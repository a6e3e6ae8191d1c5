package app

import (
	"fmt"
	"net/http"
	"path"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hindsightlabs/hindsight/modules/collector"
	"github.com/hindsightlabs/hindsight/modules/perfmonitor"
	"github.com/hindsightlabs/hindsight/modules/relay"
	"github.com/hindsightlabs/hindsight/modules/replay"
	"github.com/hindsightlabs/hindsight/modules/snapshot"
	"github.com/hindsightlabs/hindsight/modules/storage"
	"github.com/hindsightlabs/hindsight/modules/streaming"
	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/util/log"
)

// The various modules that make up hindsight.
const (
	Server       string = "server"
	Store        string = "store"
	Collector    string = "collector"
	Replay       string = "replay"
	Snapshots    string = "snapshots"
	Streaming    string = "streaming"
	Relay        string = "relay"
	PerfMonitor  string = "perf-monitor"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	prometheus.MustRegister(&t.cfg)

	if t.cfg.EnableGoRuntimeMetrics {
		// unregister default Go collector
		prometheus.Unregister(collectors.NewGoCollector())
		// register Go collector with all available runtime metrics
		prometheus.MustRegister(collectors.NewGoCollector(
			collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll),
		))
	}

	DisableSignalHandling(&t.cfg.Server)

	server, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = server
	s := NewServerService(server, servicesToWaitFor)

	return s, nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := storage.New(t.cfg.Storage, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store %w", err)
	}
	t.store = store

	gzip := httpGzipMiddleware()

	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSessions)).Methods(http.MethodPost).Handler(http.HandlerFunc(store.CreateSessionHandler))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSessions)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(store.ListSessionsHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSession)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(store.GetSessionHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSessionTraces)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(store.SessionTracesHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathTraces)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(store.TraceByIDHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathAgentTraces)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(store.AgentTracesHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathStats)).Methods(http.MethodGet).Handler(gzip.Wrap(store.StatsHandler(t.collectorStats)))

	return t.store, nil
}

// collectorStats feeds /api/stats without a hard module dependency; a
// store-only target reports zero collector counters.
func (t *App) collectorStats() api.CollectorStats {
	if t.collector == nil {
		return api.CollectorStats{}
	}
	return t.collector.Metrics()
}

func (t *App) initCollector() (services.Service, error) {
	c, err := collector.New(t.cfg.Collector, t.store.Store(), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create collector %w", err)
	}
	t.collector = c

	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathEvents)).Methods(http.MethodPost).Handler(http.HandlerFunc(c.IngestHandler))

	return t.collector, nil
}

func (t *App) initReplay() (services.Service, error) {
	replayer, err := replay.New(t.cfg.Replay, t.store.Store(), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayer %w", err)
	}
	t.replayer = replayer

	// durable batches invalidate cached states for their session
	t.collector.RegisterSink(t.replayer)

	gzip := httpGzipMiddleware()

	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathState)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(replayer.StateHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathStateDiff)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(replayer.DiffHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathCriticalPath)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(replayer.CriticalPathHandler)))

	return t.replayer, nil
}

func (t *App) initSnapshots() (services.Service, error) {
	manager, err := snapshot.New(t.cfg.Snapshots, t.store.Store(), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot manager %w", err)
	}
	t.snapshots = manager

	// The manager captures states the replayer reconstructs, and the
	// replayer fast-forwards from the nearest capture. Wire both directions.
	t.snapshots.SetStateProvider(t.replayer)
	t.replayer.SetSnapshotSource(t.snapshots)

	gzip := httpGzipMiddleware()

	// export/import have to go in front of the {snapshotID} routes, mux
	// matches in registration order.
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshotExport)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(manager.ExportHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshotImport)).Methods(http.MethodPost).Handler(http.HandlerFunc(manager.ImportHandler))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshots)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(manager.ListHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshots)).Methods(http.MethodPost).Handler(http.HandlerFunc(manager.CreateHandler))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshot)).Methods(http.MethodGet).Handler(gzip.Wrap(http.HandlerFunc(manager.GetHandler)))
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathSnapshot)).Methods(http.MethodDelete).Handler(http.HandlerFunc(manager.DeleteHandler))

	return t.snapshots, nil
}

func (t *App) initStreaming() (services.Service, error) {
	streamer, err := streaming.New(t.cfg.Streaming, t.store.Store(), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming server %w", err)
	}
	t.streamer = streamer

	t.collector.RegisterSink(t.streamer)
	t.streamer.WatchNotifications(t.collector.Notifications())

	// the streamer may additionally open its own listener when a dedicated
	// port is configured; this route is the shared one
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathStream)).Handler(http.HandlerFunc(streamer.StreamHandler))

	return t.streamer, nil
}

func (t *App) initRelay() (services.Service, error) {
	relay, err := relay.New(t.cfg.Relay, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay %w", err)
	}
	t.relay = relay

	t.collector.RegisterSink(t.relay)

	return t.relay, nil
}

func (t *App) initPerfMonitor() (services.Service, error) {
	monitor, err := perfmonitor.New(t.cfg.PerfMonitor, t.collector, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create perf monitor %w", err)
	}
	t.perfMonitor = monitor

	return t.perfMonitor, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore)
	mm.RegisterModule(Collector, t.initCollector)
	mm.RegisterModule(Replay, t.initReplay)
	mm.RegisterModule(Snapshots, t.initSnapshots)
	mm.RegisterModule(Streaming, t.initStreaming)
	mm.RegisterModule(Relay, t.initRelay)
	mm.RegisterModule(PerfMonitor, t.initPerfMonitor)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Store:        {Server},
		Collector:    {Store, Server},
		Replay:       {Store, Collector, Server},
		Snapshots:    {Store, Replay, Server},
		Streaming:    {Store, Collector, Server},
		Relay:        {Collector, Server},
		PerfMonitor:  {Collector, Server},
		SingleBinary: {Snapshots, Streaming, Relay, PerfMonitor},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm

	t.deps = deps

	return nil
}

func addHTTPAPIPrefix(cfg *Config, apiPath string) string {
	return path.Join(cfg.HTTPAPIPrefix, apiPath)
}

func echoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "echo", http.StatusOK)
	}
}
