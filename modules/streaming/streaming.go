// Package streaming fans stored events out to websocket subscribers and
// answers their historical and time-travel queries. One connection gets a
// reader on the handler goroutine, a writer task and a bounded outbound
// queue; the broadcaster serializes each live event once and shares the
// bytes across every interested client.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"

	"github.com/hindsightlabs/hindsight/modules/collector"
	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/tracedb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrPortInUse marks a standalone listener that could not bind because the
// port is taken. The launcher maps it to its own exit code.
var ErrPortInUse = errors.New("streaming port already in use")

// interChunkDelay paces historical chunks while the client is blocked.
const interChunkDelay = 10 * time.Millisecond

// SessionStore is the slice of the storage surface the streamer reads.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetTracesBySession(ctx context.Context, sessionID string, p tracedb.SearchParams) ([]*model.Event, error)
}

// Streamer is the websocket fan-out service.
type Streamer struct {
	services.Service

	cfg    Config
	logger log.Logger
	store  SessionStore
	auth   *authenticator

	upgrader websocket.Upgrader

	clientsMtx sync.RWMutex
	clients    map[string]*client

	// notifCh feeds collector system notifications into the fan-out. A nil
	// channel simply never fires.
	notifCh <-chan collector.SystemNotification

	listener net.Listener
	httpSrv  *http.Server

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New builds the streamer. It serves nothing until the service is started
// and StreamHandler is mounted (or the standalone port is configured).
func New(cfg Config, store SessionStore, logger log.Logger) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid streaming config: %w", err)
	}

	s := &Streamer{
		cfg:    cfg,
		logger: logger,
		store:  store,
		auth:   newAuthenticator(cfg.Auth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: cfg.CompressionEnabled,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		clients:    map[string]*client{},
		shutdownCh: make(chan struct{}),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// SetBearerValidator installs the opaque-token hook used alongside API
// keys. Must be called before clients connect.
func (s *Streamer) SetBearerValidator(v BearerValidator) {
	s.auth.validate = v
}

// WatchNotifications forwards collector system notifications to every
// authenticated client. Must be called before the service starts.
func (s *Streamer) WatchNotifications(ch <-chan collector.SystemNotification) {
	s.notifCh = ch
}

func (s *Streamer) starting(context.Context) error {
	if !s.cfg.Enabled || s.cfg.Port == 0 {
		return nil
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %d", ErrPortInUse, s.cfg.Port)
		}
		return fmt.Errorf("listening on streaming port %d: %w", s.cfg.Port, err)
	}
	s.listener = l

	router := mux.NewRouter()
	router.HandleFunc(api.PathStream, s.StreamHandler)
	s.httpSrv = &http.Server{Handler: router}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(s.logger).Log("msg", "standalone streaming listener failed", "err", err)
		}
	}()

	level.Info(s.logger).Log("msg", "streaming listener up", "port", s.cfg.Port)
	return nil
}

func (s *Streamer) running(ctx context.Context) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.notifCh:
			s.BroadcastSystemEvent(n.Event, n.Data)
		case <-heartbeat.C:
			s.sendHeartbeats()
		case <-sweep.C:
			s.sweepStale()
		}
	}
}

func (s *Streamer) sweepInterval() time.Duration {
	iv := s.cfg.StaleTimeout / 4
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

func (s *Streamer) stopping(_ error) error {
	close(s.shutdownCh)

	clients := s.snapshotClients()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.terminate(websocket.CloseNormalClosure, "server shutting down")
		}(c)
	}
	wg.Wait()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}

	s.wg.Wait()
	level.Info(s.logger).Log("msg", "streaming stopped", "clients_closed", len(clients))
	return nil
}

// StreamHandler upgrades the connection and runs the read side until the
// client goes away.
func (s *Streamer) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	select {
	case <-s.shutdownCh:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		level.Warn(s.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	c := newClient(uuid.NewString(), ws, &s.cfg, s.logger)
	if !s.auth.required() {
		c.authed.Store(true)
	}

	if err := s.register(c); err != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), deadline)
		_ = ws.Close()
		return
	}
	level.Debug(s.logger).Log("msg", "client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	defer func() {
		s.unregister(c)
		c.terminate(websocket.CloseNormalClosure, "")
	}()

	s.sendConnection(c)
	s.readLoop(c)
}

func (s *Streamer) register(c *client) error {
	s.clientsMtx.Lock()
	defer s.clientsMtx.Unlock()
	if len(s.clients) >= s.cfg.MaxConnections {
		return fmt.Errorf("connection limit reached (%d)", s.cfg.MaxConnections)
	}
	s.clients[c.id] = c
	metricClients.Inc()
	return nil
}

func (s *Streamer) unregister(c *client) {
	s.clientsMtx.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.clientsMtx.Unlock()
	if ok {
		metricClients.Dec()
		level.Debug(s.logger).Log("msg", "client disconnected", "client", c.id)
	}
}

func (s *Streamer) snapshotClients() []*client {
	s.clientsMtx.RLock()
	defer s.clientsMtx.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount reports the connected clients, for readiness and stats.
func (s *Streamer) ClientCount() int {
	s.clientsMtx.RLock()
	defer s.clientsMtx.RUnlock()
	return len(s.clients)
}

func (s *Streamer) capabilities() []string {
	caps := []string{"subscribe_session", "request_history", "time_travel", "filter_agents", "breakpoints", "heartbeat"}
	if s.cfg.BinaryProtocol {
		caps = append(caps, "binary_protocol")
	}
	if s.cfg.CompressionEnabled {
		caps = append(caps, "compression")
	}
	return caps
}

func (s *Streamer) sendConnection(c *client) {
	s.send(c, MsgConnection, ConnectionMessage{
		Type:     MsgConnection,
		ClientID: c.id,
		ServerInfo: ServerInfo{
			Version:      version.Version,
			Capabilities: s.capabilities(),
			Limits: ServerLimits{
				MaxMessageSize: s.cfg.MaxMessageSize,
				BatchSize:      s.cfg.HistoryChunkSize,
			},
		},
	}, model.SeverityHigh, true)
}

func (s *Streamer) readLoop(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				level.Debug(s.logger).Log("msg", "client read failed", "client", c.id, "err", err)
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))

		if !c.allowInbound(len(data), time.Now()) {
			metricRateLimited.Inc()
			s.sendError(c, "RATE_LIMITED", "inbound rate limit exceeded")
			continue
		}

		payload := data
		if msgType == websocket.BinaryMessage {
			_, payload, err = model.ReadFrame(bytes.NewReader(data))
			if err != nil {
				s.sendError(c, "INVALID_REQUEST", err.Error())
				continue
			}
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.sendError(c, "INVALID_REQUEST", "malformed message: "+err.Error())
			continue
		}
		if closeConn := s.handleMessage(c, &msg); closeConn {
			return
		}
	}
}

// handleMessage dispatches one client message. The returned flag closes the
// connection, which only failed auth does.
func (s *Streamer) handleMessage(c *client, msg *ClientMessage) bool {
	switch msg.Type {
	case MsgAuth:
		ok := s.auth.check(msg.Token)
		s.send(c, MsgAuthResponse, AuthResponseMessage{Type: MsgAuthResponse, Authenticated: ok}, model.SeverityHigh, true)
		if !ok {
			metricAuthFailures.Inc()
			s.sendError(c, "AUTH_FAILED", "invalid credentials")
			return true
		}
		c.authed.Store(true)
		return false
	case MsgHeartbeat:
		// touch happened on read; nothing else to do
		return false
	}

	if !c.authed.Load() {
		s.sendError(c, "AUTH_FAILED", "authenticate first")
		return false
	}

	switch msg.Type {
	case MsgSubscribeSession:
		s.handleSubscribe(c, msg)
	case MsgRequestHistory:
		s.handleHistory(c, msg)
	case MsgTimeTravel:
		s.handleTimeTravel(c, msg)
	case MsgFilterAgents:
		c.setAgentFilter(msg.AgentIDs)
	case MsgSetBreakpoint:
		if msg.TraceID == "" {
			s.sendError(c, "INVALID_REQUEST", "please provide a trace_id")
			return false
		}
		c.setBreakpoint(msg.TraceID, msg.Condition)
	case MsgRemoveBreakpoint:
		if msg.TraceID == "" {
			s.sendError(c, "INVALID_REQUEST", "please provide a trace_id")
			return false
		}
		c.removeBreakpoint(msg.TraceID)
	default:
		s.sendError(c, "INVALID_REQUEST", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return false
}

func (s *Streamer) handleSubscribe(c *client, msg *ClientMessage) {
	if msg.SessionID == "" {
		s.sendError(c, "INVALID_REQUEST", "please provide a session_id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, msg.SessionID)
	if err != nil {
		s.sendError(c, "SESSION_ERROR", err.Error())
		return
	}
	c.subscribe(msg.SessionID)
	s.send(c, MsgSessionInfo, SessionInfoMessage{Type: MsgSessionInfo, Session: session}, model.SeverityHigh, true)

	// catch the subscriber up with the most recent events, oldest first
	events, err := s.store.GetTracesBySession(ctx, msg.SessionID, tracedb.SearchParams{
		Limit:      s.cfg.InitialTraces,
		Descending: true,
	})
	if err != nil {
		s.sendError(c, "SESSION_ERROR", err.Error())
		return
	}
	reverse(events)
	if events == nil {
		events = []*model.Event{}
	}
	s.send(c, MsgInitialTraces, InitialTracesMessage{Type: MsgInitialTraces, Traces: events}, model.SeverityMedium, false)
}

func (s *Streamer) handleHistory(c *client, msg *ClientMessage) {
	if msg.TimeRange == nil {
		s.sendError(c, "INVALID_REQUEST", "please provide a time_range")
		return
	}
	sessionID := c.subscription()
	if sessionID == "" {
		s.sendError(c, "SESSION_ERROR", "subscribe to a session first")
		return
	}

	metricHistoryRequests.WithLabelValues("history").Inc()
	s.wg.Add(1)
	go s.serveHistory(c, sessionID, *msg.TimeRange)
}

// serveHistory streams one request_history reply in chunks, pacing while
// the client is blocked. The whole request shares one timeout.
func (s *Streamer) serveHistory(c *client, sessionID string, tr model.TimeRange) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()

	events, err := s.store.GetTracesBySession(ctx, sessionID, tracedb.SearchParams{
		TimeRange: &tr,
		Limit:     s.cfg.HistoricalDataLimit,
	})
	if err != nil {
		s.sendError(c, "HISTORY_ERROR", err.Error())
		return
	}

	total := len(events)
	chunkSize := s.cfg.HistoryChunkSize
	chunks := (total + chunkSize - 1) / chunkSize
	if chunks == 0 {
		chunks = 1
	}

	for i := 0; i < chunks; i++ {
		if ctx.Err() != nil {
			s.sendError(c, "HISTORY_ERROR", "history request timed out")
			return
		}

		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > total {
			hi = total
		}
		part := events[lo:hi]
		if len(part) == 0 {
			part = []*model.Event{}
		}

		s.send(c, MsgHistoricalData, HistoricalDataMessage{
			Type:      MsgHistoricalData,
			TimeRange: tr,
			Traces:    part,
			ChunkInfo: ChunkInfo{Current: i + 1, Total: chunks, IsLast: i == chunks-1},
			Total:     total,
		}, model.SeverityMedium, false)

		if i < chunks-1 && c.isBlocked() {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
			case <-c.done:
				return
			case <-s.shutdownCh:
				return
			}
		}
	}
}

func (s *Streamer) handleTimeTravel(c *client, msg *ClientMessage) {
	if msg.Timestamp <= 0 {
		s.sendError(c, "INVALID_REQUEST", "please provide a timestamp")
		return
	}
	sessionID := c.subscription()
	if sessionID == "" {
		s.sendError(c, "SESSION_ERROR", "subscribe to a session first")
		return
	}

	metricHistoryRequests.WithLabelValues("time_travel").Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
		defer cancel()

		events, err := s.store.GetTracesBySession(ctx, sessionID, tracedb.SearchParams{
			TimeRange: &model.TimeRange{End: msg.Timestamp},
			Limit:     s.cfg.HistoricalDataLimit,
		})
		if err != nil {
			s.sendError(c, "TIME_TRAVEL_ERROR", err.Error())
			return
		}
		if events == nil {
			events = []*model.Event{}
		}
		s.send(c, MsgTimeTravelState, TimeTravelStateMessage{
			Type:      MsgTimeTravelState,
			Timestamp: msg.Timestamp,
			Traces:    events,
			Total:     len(events),
		}, model.SeverityMedium, false)
	}()
}

// ConsumeBatch makes the streamer a collector sink: every durably stored
// batch is fanned out to interested subscribers. Each event is serialized
// once; the prepared message shares the frame (and its compressed form,
// when negotiated) across clients.
func (s *Streamer) ConsumeBatch(_ context.Context, batch []*model.Event) error {
	if !s.cfg.Enabled || len(batch) == 0 {
		return nil
	}
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return nil
	}

	for _, e := range batch {
		b, err := json.Marshal(TraceEventMessage{Type: MsgTraceEvent, Data: e})
		if err != nil {
			level.Error(s.logger).Log("msg", "event serialization failed", "event", e.ID, "err", err)
			continue
		}
		out, err := s.wrap(MsgTraceEvent, b)
		if err != nil {
			continue
		}
		out.severity = model.SeverityLow
		if e.Metadata != nil && e.Metadata.Severity != "" {
			out.severity = e.Metadata.Severity
		}
		out.critical = out.severity == model.SeverityCritical

		if pm, err := websocket.NewPreparedMessage(out.msgType, out.raw); err == nil {
			out.prepared = pm
		}

		delivered := false
		for _, c := range clients {
			if !c.wants(e) {
				continue
			}
			if c.enqueue(out) {
				delivered = true
			}
			if traceID, hit := c.breakpointFor(e); hit {
				s.send(c, MsgSystemEvent, SystemEventMessage{
					Type:  MsgSystemEvent,
					Event: "breakpoint_hit",
					Data: map[string]any{
						"trace_id":  traceID,
						"event_id":  e.ID,
						"agent_id":  e.AgentID,
						"timestamp": e.Timestamp,
					},
				}, model.SeverityHigh, false)
			}
		}
		if delivered {
			metricBroadcastEvents.Inc()
		}
	}
	return nil
}

// BroadcastSystemEvent delivers an out-of-band notification to every
// authenticated client regardless of subscription.
func (s *Streamer) BroadcastSystemEvent(event string, data map[string]any) {
	b, err := json.Marshal(SystemEventMessage{Type: MsgSystemEvent, Event: event, Data: data})
	if err != nil {
		return
	}
	out, err := s.wrap(MsgSystemEvent, b)
	if err != nil {
		return
	}
	out.severity = model.SeverityMedium

	for _, c := range s.snapshotClients() {
		if !c.authed.Load() {
			continue
		}
		c.enqueue(out)
	}
}

func (s *Streamer) sendHeartbeats() {
	now := time.Now()
	deadline := now.Add(time.Second)
	for _, c := range s.snapshotClients() {
		// pings are control frames and flow regardless; the heartbeat
		// message itself waits for auth like every other payload
		_ = c.conn.WriteControl(websocket.PingMessage, nil, deadline)
		if !c.authed.Load() {
			continue
		}
		m := c.metrics()
		s.send(c, MsgHeartbeat, HeartbeatMessage{
			Type:      MsgHeartbeat,
			Timestamp: now.UnixMilli(),
			Metrics:   &m,
		}, model.SeverityLow, false)
	}
}

func (s *Streamer) sweepStale() {
	now := time.Now()
	for _, c := range s.snapshotClients() {
		if c.idleFor(now) <= s.cfg.StaleTimeout {
			continue
		}
		metricStaleTerminated.Inc()
		level.Info(s.logger).Log("msg", "terminating stale client", "client", c.id)
		go c.terminate(websocket.ClosePolicyViolation, "stale connection")
	}
}

func (s *Streamer) sendError(c *client, code, message string) {
	s.send(c, MsgError, ErrorMessage{Type: MsgError, Code: code, Message: message}, model.SeverityHigh, true)
}

func (s *Streamer) send(c *client, typ MessageType, msg any, severity model.Severity, critical bool) {
	b, err := json.Marshal(msg)
	if err != nil {
		level.Error(s.logger).Log("msg", "message serialization failed", "type", typ, "err", err)
		return
	}
	out, err := s.wrap(typ, b)
	if err != nil {
		return
	}
	out.severity = severity
	out.critical = critical
	c.enqueue(out)
}

// wrap prepares the on-wire form of a message: plain JSON text, or a
// checksummed binary frame when the binary protocol is on.
func (s *Streamer) wrap(typ MessageType, payload []byte) (outbound, error) {
	if !s.cfg.BinaryProtocol {
		return outbound{raw: payload, msgType: websocket.TextMessage, size: len(payload)}, nil
	}

	var buf bytes.Buffer
	if err := model.WriteFrame(&buf, frameTypeFor(typ), payload); err != nil {
		return outbound{}, err
	}
	b := buf.Bytes()
	return outbound{raw: b, msgType: websocket.BinaryMessage, size: len(b)}, nil
}

func reverse(events []*model.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
