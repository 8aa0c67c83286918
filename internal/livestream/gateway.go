package livestream

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"frame-relay/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	// QueueSize is the per-connection outbound queue depth.
	QueueSize int
	// IngestMaxFPS caps frames accepted per producer connection. Zero
	// disables the limit.
	IngestMaxFPS int
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows
	// any origin.
	AllowedOrigins []string
}

// Gateway accepts producer and viewer WebSocket connections and dispatches
// their messages to the Service.
type Gateway struct {
	svc      *Service
	cfg      GatewayConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
	wg     sync.WaitGroup
}

// NewGateway returns a Gateway serving svc. m may be nil.
func NewGateway(svc *Service, cfg GatewayConfig, log *slog.Logger, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultOutboxSize
	}
	g := &Gateway{
		svc:     svc,
		cfg:     cfg,
		log:     log.With("component", "gateway"),
		metrics: m,
		conns:   make(map[string]*wsConn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := g.newConn(ws)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	g.conns[c.id] = c
	g.mu.Unlock()

	g.log.Debug("connection opened",
		slog.String("conn", c.id),
		slog.String("remote", r.RemoteAddr))

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.pingLoop()
	}()

	g.readLoop(c)
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close disconnects every connection and waits for their goroutines to
// exit. New upgrades are refused afterwards.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	}
	g.wg.Wait()
	g.log.Info("gateway closed", slog.Int("connections", len(conns)))
}

func (g *Gateway) newConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
		log:    g.log,
	}
	c.out = NewOutbox(g.cfg.QueueSize, func(m Message) {
		if m.Type == MsgFrame {
			g.metrics.IncFramesDropped("slow_viewer")
		}
	})
	if g.cfg.IngestMaxFPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(g.cfg.IngestMaxFPS), g.cfg.IngestMaxFPS)
	}
	return c
}

func (g *Gateway) readLoop(c *wsConn) {
	defer g.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("connection read failed",
					slog.String("conn", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		g.dispatch(c, msg)
	}
}

func (g *Gateway) dispatch(c *wsConn, msg Message) {
	switch msg.Type {
	case MsgStart:
		var meta Metadata
		if msg.Metadata != nil {
			meta = *msg.Metadata
		}
		if _, err := g.svc.StartStream(msg.StreamID, c, meta); err != nil {
			c.sendError(msg.StreamID, err)
			return
		}
		c.Send(Message{Type: MsgStarted, StreamID: msg.StreamID})

	case MsgFrame:
		if c.limiter != nil && !c.limiter.Allow() {
			g.metrics.IncFramesDropped("ingest_rate")
			return
		}
		if err := g.svc.OnFrame(msg.StreamID, c.id, msg.Payload, msTime(msg.Timestamp)); err != nil {
			c.sendError(msg.StreamID, err)
		}

	case MsgAudio:
		d := time.Duration(msg.Duration) * time.Millisecond
		if err := g.svc.OnAudio(msg.StreamID, c.id, msg.Payload, msTime(msg.Timestamp), d); err != nil {
			c.sendError(msg.StreamID, err)
		}

	case MsgJoin:
		if _, err := g.svc.JoinStream(msg.StreamID, c); err != nil {
			c.sendError(msg.StreamID, err)
			return
		}
		c.joined[msg.StreamID] = struct{}{}

	case MsgLeave:
		g.svc.LeaveStream(msg.StreamID, c.id)
		delete(c.joined, msg.StreamID)

	case MsgStop:
		if err := g.svc.StopStream(msg.StreamID, Actor{ConnID: c.id}); err != nil {
			c.sendError(msg.StreamID, err)
		}

	default:
		c.sendError(msg.StreamID, errUnknownMessage)
	}
}

var errUnknownMessage = errors.New("unknown message type")

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// disconnect leaves every joined stream, ends every stream the connection
// produced and releases the socket.
func (g *Gateway) disconnect(c *wsConn) {
	for id := range c.joined {
		g.svc.LeaveStream(id, c.id)
	}
	ended := g.svc.ProducerDisconnected(c.id)

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	c.out.Close()
	close(c.done)
	_ = c.ws.Close()

	stats := c.out.Stats()
	g.log.Debug("connection closed",
		slog.String("conn", c.id),
		slog.Int("streams_ended", len(ended)),
		slog.Int64("sent", stats.Sent),
		slog.Int64("dropped", stats.Dropped))
}

// wsConn is one WebSocket connection. Outbound messages go through a
// bounded Outbox drained by a single writer goroutine.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	out     *Outbox
	done    chan struct{}
	limiter *rate.Limiter
	log     *slog.Logger

	// joined is only touched by the read goroutine.
	joined map[string]struct{}
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg without blocking.
func (c *wsConn) Send(msg Message) bool { return c.out.Push(msg) }

func (c *wsConn) sendError(streamID string, err error) {
	c.Send(Message{Type: MsgError, StreamID: streamID, Error: err.Error()})
}

func (c *wsConn) writeLoop() {
	for {
		msg, ok := c.out.Next(c.done)
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Debug("connection write failed",
				slog.String("conn", c.id),
				slog.String("error", err.Error()))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
