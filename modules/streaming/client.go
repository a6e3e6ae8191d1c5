package streaming

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

// drainGrace bounds how long a closing client may keep its writer alive to
// flush queued messages.
const drainGrace = time.Second

// outbound is one queued server-to-client message. Fan-out messages carry a
// prepared form shared across clients; everything else is written raw.
type outbound struct {
	prepared *websocket.PreparedMessage
	raw      []byte
	msgType  int
	size     int
	severity model.Severity
	critical bool
}

// client is one websocket connection. The reader runs on the HTTP handler
// goroutine, the writer on its own; both ends funnel through the bounded
// queue so a slow socket never blocks the broadcaster.
type client struct {
	id     string
	conn   *websocket.Conn
	cfg    *Config
	logger log.Logger

	authed atomic.Bool

	mtx         sync.Mutex
	sessionID   string
	agentFilter map[string]struct{}
	breakpoints map[string]string
	queue       []outbound
	queuedBytes int
	blocked     bool
	closed      bool
	sent        uint64
	dropped     uint64

	windowStart time.Time
	windowMsgs  int
	windowBytes int

	lastSeen atomic.Int64

	kick       chan struct{}
	done       chan struct{}
	writerDone chan struct{}
}

func newClient(id string, conn *websocket.Conn, cfg *Config, logger log.Logger) *client {
	c := &client{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		logger:      logger,
		breakpoints: map[string]string{},
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
}

func (c *client) idleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.lastSeen.Load()) * time.Millisecond
}

func (c *client) subscribe(sessionID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.sessionID = sessionID
}

func (c *client) subscription() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sessionID
}

// setAgentFilter restricts delivery to the listed agents. An empty list
// clears the filter.
func (c *client) setAgentFilter(agentIDs []string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(agentIDs) == 0 {
		c.agentFilter = nil
		return
	}
	c.agentFilter = make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		c.agentFilter[id] = struct{}{}
	}
}

func (c *client) setBreakpoint(traceID, condition string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.breakpoints[traceID] = condition
}

func (c *client) removeBreakpoint(traceID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.breakpoints, traceID)
}

// breakpointFor matches an event against the breakpoint table. A breakpoint
// names a trace: it hits when the event is, or belongs to, that trace. A
// non-empty condition additionally requires the event type or phase to
// match it.
func (c *client) breakpointFor(e *model.Event) (string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, id := range []string{e.ID, e.CorrelationID, e.ParentID} {
		if id == "" {
			continue
		}
		cond, ok := c.breakpoints[id]
		if !ok {
			continue
		}
		if cond == "" || cond == string(e.Type) || cond == string(e.Phase) {
			return id, true
		}
	}
	return "", false
}

// wants reports whether a live event should be delivered to this client.
func (c *client) wants(e *model.Event) bool {
	if !c.authed.Load() {
		return false
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sessionID == "" || c.sessionID != e.SessionID {
		return false
	}
	if c.agentFilter != nil {
		if _, ok := c.agentFilter[e.AgentID]; !ok {
			return false
		}
	}
	return true
}

// allowInbound charges one inbound message of n bytes against the fixed
// rate window and reports whether it is within budget.
func (c *client) allowInbound(n int, now time.Time) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if now.Sub(c.windowStart) >= c.cfg.RateLimit.Window {
		c.windowStart = now
		c.windowMsgs = 0
		c.windowBytes = 0
	}
	c.windowMsgs++
	c.windowBytes += n
	return c.windowMsgs <= c.cfg.RateLimit.MaxMessages &&
		c.windowBytes <= c.cfg.RateLimit.MaxBytesPerWindow
}

// enqueue appends a message to the outbound queue, applying the
// backpressure policy when full. Returns false when the message was
// dropped.
func (c *client) enqueue(out outbound) bool {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return false
	}
	if len(c.queue) >= c.cfg.Backpressure.MaxQueueSize && !c.makeRoom(out.critical) {
		c.dropped++
		c.mtx.Unlock()
		metricMessagesDropped.WithLabelValues("queue_full").Inc()
		return false
	}
	c.queue = append(c.queue, out)
	c.queuedBytes += out.size
	if !c.blocked && c.queuedBytes > c.cfg.Backpressure.HighWater {
		c.blocked = true
	}
	c.mtx.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return true
}

// makeRoom frees one queue slot for an incoming message. Critical messages
// displace the oldest low-severity entry (oldest non-critical when no low
// is queued) and may exceed the cap when everything queued is critical;
// they are never the ones dropped. Non-critical messages depend on
// drop_oldest. Callers hold the lock.
func (c *client) makeRoom(incomingCritical bool) bool {
	if !incomingCritical && !c.cfg.Backpressure.DropOldest {
		return false
	}

	victim := -1
	for i, q := range c.queue {
		if q.critical {
			continue
		}
		if q.severity == model.SeverityLow {
			victim = i
			break
		}
		if victim == -1 {
			victim = i
		}
	}
	if victim == -1 {
		return incomingCritical
	}

	c.queuedBytes -= c.queue[victim].size
	c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
	c.dropped++
	metricMessagesDropped.WithLabelValues("displaced").Inc()
	return true
}

// next blocks until a message is queued or the client is closing. The
// queue drains ahead of the done signal, so queued messages still go out
// during a graceful close.
func (c *client) next() (outbound, bool) {
	for {
		c.mtx.Lock()
		if len(c.queue) > 0 {
			out := c.queue[0]
			c.queue = c.queue[1:]
			c.queuedBytes -= out.size
			if c.blocked && c.queuedBytes < c.cfg.Backpressure.LowWater {
				c.blocked = false
			}
			c.mtx.Unlock()
			return out, true
		}
		c.mtx.Unlock()

		select {
		case <-c.kick:
		case <-c.done:
			c.mtx.Lock()
			empty := len(c.queue) == 0
			c.mtx.Unlock()
			if empty {
				return outbound{}, false
			}
		}
	}
}

func (c *client) isBlocked() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.blocked
}

func (c *client) metrics() ClientMetrics {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return ClientMetrics{
		QueuedMessages:  len(c.queue),
		QueuedBytes:     c.queuedBytes,
		SentMessages:    c.sent,
		DroppedMessages: c.dropped,
		Blocked:         c.blocked,
	}
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	for {
		out, ok := c.next()
		if !ok {
			return
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		var err error
		if out.prepared != nil {
			err = c.conn.WritePreparedMessage(out.prepared)
		} else {
			err = c.conn.WriteMessage(out.msgType, out.raw)
		}
		if err != nil {
			level.Debug(c.logger).Log("msg", "client write failed", "client", c.id, "err", err)
			_ = c.conn.Close() // unblocks the reader
			return
		}

		c.mtx.Lock()
		c.sent++
		c.mtx.Unlock()
		metricMessagesSent.Inc()
	}
}

// terminate closes the client once: the writer gets a short grace period to
// drain, then the socket is closed with the given status code.
func (c *client) terminate(code int, reason string) {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.closed = true
	c.mtx.Unlock()

	close(c.done)
	select {
	case <-c.writerDone:
	case <-time.After(drainGrace):
	}

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}
