// Package gateway is the network boundary of fleetd: the WebSocket session
// layer, the REST API and the health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/coordinator"
	"github.com/basket/go-fleet/internal/events"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EventStore is the read side of the event log used by the REST API and the
// health endpoints.
type EventStore interface {
	Ping(ctx context.Context) error
	CurrentSeq(ctx context.Context) (int64, error)
	EventByID(ctx context.Context, eventID string) (events.Envelope, error)
	EventsByType(ctx context.Context, t events.Type, limit int) ([]events.Envelope, error)
	EventsByAgent(ctx context.Context, agentID string, limit int) ([]events.Envelope, error)
	EventsByIssue(ctx context.Context, issueID string, limit int) ([]events.Envelope, error)
	CountByType(ctx context.Context) (map[events.Type]int64, error)
}

// InstrumentReader reports current instrument values for /metrics.
type InstrumentReader interface {
	Snapshot(ctx context.Context) (map[string]float64, error)
}

type Config struct {
	Engine *coordinator.Engine
	Store  EventStore
	Router *bus.Router

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	ConnectionBuffer  int
	ReplayLimit       int

	RateLimit        config.RateLimitConfig
	SessionRateLimit config.SessionRateLimitConfig
	CORS             config.CORSConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Instruments is optional; when set /metrics includes its values.
	Instruments InstrumentReader
	Clock       func() time.Time
}

type Server struct {
	cfg     Config
	schemas bodySchemas
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Store == nil || cfg.Router == nil {
		return nil, errors.New("gateway: engine, store and router are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return &Server{
		cfg:     cfg,
		schemas: schemas,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		clients: map[*client]struct{}{},
	}, nil
}

// RateLimiter exposes the REST limiter so the caller can run its eviction.
func (s *Server) RateLimiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.registerAPI(mux)

	var h http.Handler = mux
	h = limitBody(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.instrument(h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument traces and times every request except the WebSocket upgrade,
// which needs the raw ResponseWriter to hijack the connection.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := s.cfg.Clock()
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.cfg.Tracer, "http "+r.Method)
		defer span.End()
		ctx = shared.WithTraceID(ctx, span.SpanContext().TraceID().String())
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(otelPkg.AttrRoute.String(route))
		s.cfg.Metrics.RequestDuration.Record(ctx, s.cfg.Clock().Sub(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrRoute.String(route)))
		s.cfg.Logger.Debug("http request", "method", r.Method, "route", route, "status", rec.status)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.Ping(ctx) == nil
	seq, err := s.cfg.Store.CurrentSeq(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"current_seq":        seq,
		"connections":        s.ClientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	seq, _ := s.cfg.Store.CurrentSeq(ctx)
	counts, err := s.cfg.Store.CountByType(ctx)
	if err != nil {
		s.cfg.Logger.Warn("metrics: count events", "error", err)
	}
	byType := make(map[string]int64, len(counts))
	for t, n := range counts {
		byType[string(t)] = n
	}

	payload := map[string]any{
		"current_seq":    seq,
		"events_by_type": byType,
		"router":         s.cfg.Router.Stats(),
		"ws_clients":     s.ClientCount(),
		"agent_count":    len(s.cfg.Engine.Agents("")),
		"issue_count":    len(s.cfg.Engine.Issues("")),
		"alloc_bytes":    mem.Alloc,
	}
	if s.cfg.Instruments != nil {
		if values, err := s.cfg.Instruments.Snapshot(ctx); err != nil {
			s.cfg.Logger.Warn("metrics: collect instruments", "error", err)
		} else {
			payload["instruments"] = values
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Logger.Warn("ws: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{conn: conn, cancel: cancel}
	sink := bus.NewChanSink(s.cfg.ConnectionBuffer)
	sess := NewSession(SessionConfig{
		Router:      s.cfg.Router,
		Backend:     s.cfg.Engine,
		Sink:        sink,
		Limiter:     newSessionLimiter(s.cfg.SessionRateLimit),
		ReplayLimit: s.cfg.ReplayLimit,
		Clock:       s.cfg.Clock,
		Logger:      s.cfg.Logger,
		Metrics:     s.cfg.Metrics,
	})

	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		cancel()
		sess.Close(context.Background())
		sink.Close()
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnecting", "client_id", sess.ClientID())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go s.heartbeat(ctx, c)

	// Envelopes routed between registration and the ack wait in the sink.
	forwarding := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.cfg.Logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		reply := sess.Handle(shared.WithClientID(ctx, sess.ClientID()), data)
		if reply == nil {
			continue
		}
		if err := s.write(ctx, c, reply); err != nil {
			s.cfg.Logger.Warn("ws: write reply failed", "client_id", sess.ClientID(), "error", err)
			return
		}
		if _, ok := reply.(HandshakeAck); ok && !forwarding {
			forwarding = true
			go s.forwardEvents(ctx, c, sink)
		}
	}
}

// forwardEvents drains the connection's sink until it closes. A write that
// exceeds the write timeout ends the connection; the client recovers the gap
// with replay_events.
func (s *Server) forwardEvents(ctx context.Context, c *client, sink *bus.ChanSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sink.Ch():
			if !ok {
				return
			}
			if err := s.write(ctx, c, env); err != nil {
				s.cfg.Logger.Warn("ws: forward event failed", "seq", env.Seq, "error", err)
				c.cancel()
				return
			}
		}
	}
}

// heartbeat pings the client every interval. A ping that is not answered
// within the timeout closes the connection.
func (s *Server) heartbeat(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.cfg.Logger.Info("ws: heartbeat failed, closing", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *client, payload any) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(wctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount is the number of open WebSocket connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// CloseAll ends every WebSocket connection. http.Server.Shutdown does not
// track hijacked connections, so callers invoke this while draining.
func (s *Server) CloseAll(reason string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.conn.Close(websocket.StatusGoingAway, reason)
			c.cancel()
		}()
	}
	wg.Wait()
}
