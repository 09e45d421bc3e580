// Package relay mirrors the live event stream into a Redis stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/events"
	otelPkg "github.com/basket/go-fleet/internal/otel"
)

// ConnectionID is the router connection the relay registers under.
const ConnectionID = "relay"

const writeTimeout = 2 * time.Second

// StreamWriter is the subset of the Redis client the relay needs.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Alerter records a system.alert when mirroring starts failing.
type Alerter interface {
	Alert(ctx context.Context, projectID, severity, message string) (events.Envelope, error)
}

// Config holds the relay dependencies.
type Config struct {
	Client     StreamWriter
	Router     *bus.Router
	Alerter    Alerter
	Stream     string
	MaxLen     int64
	BufferSize int
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics
}

// Relay is a router subscriber that appends every envelope to a Redis stream.
type Relay struct {
	client  StreamWriter
	router  *bus.Router
	alerter Alerter
	stream  string
	maxLen  int64
	bufSize int
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	mirrored atomic.Int64
	failed   atomic.Int64
	failing  bool
}

// NewClient opens a go-redis client from the relay section of the config.
func NewClient(cfg config.RelayConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("relay: client is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("relay: router is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "fleet:events"
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
	return &Relay{
		client:  cfg.Client,
		router:  cfg.Router,
		alerter: cfg.Alerter,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		bufSize: cfg.BufferSize,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}, nil
}

// Run subscribes to every topic and mirrors envelopes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sink := bus.NewChanSink(r.bufSize)
	if err := r.router.RegisterConnection(ConnectionID, sink); err != nil {
		return fmt.Errorf("relay: register: %w", err)
	}
	r.router.Subscribe(ConnectionID, bus.TopicAll)
	defer func() {
		r.router.UnregisterConnection(ConnectionID)
		sink.Close()
		if dropped := sink.Dropped(); dropped > 0 {
			r.logger.Warn("relay dropped envelopes", "count", dropped)
		}
	}()
	r.logger.Info("relay started", "stream", r.stream)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped", "mirrored", r.mirrored.Load(), "failed", r.failed.Load())
			return nil
		case env, ok := <-sink.Ch():
			if !ok {
				return nil
			}
			r.mirror(ctx, env)
		}
	}
}

func (r *Relay) mirror(ctx context.Context, env events.Envelope) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	wctx, span := otelPkg.StartClientSpan(wctx, r.tracer, "relay.xadd",
		otelPkg.AttrEventType.String(string(env.EventType)),
		otelPkg.AttrSeq.Int64(env.Seq),
	)
	err := r.write(wctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err == nil {
		r.mirrored.Add(1)
		if r.failing {
			r.failing = false
			r.logger.Info("relay recovered", "seq", env.Seq)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.failed.Add(1)
	r.metrics.RelayErrors.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrEventType.String(string(env.EventType))))
	r.logger.Error("relay write failed", "seq", env.Seq, "event_type", env.EventType, "error", err)
	if r.failing {
		return
	}
	// One alert per outage.
	r.failing = true
	if r.alerter == nil {
		return
	}
	msg := fmt.Sprintf("event relay to %s failing at seq %d: %v", r.stream, env.Seq, err)
	if _, aerr := r.alerter.Alert(ctx, env.ProjectID, events.SeverityWarning, msg); aerr != nil {
		r.logger.Warn("relay alert not recorded", "error", aerr)
	}
}

func (r *Relay) write(ctx context.Context, env events.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"seq":        strconv.FormatInt(env.Seq, 10),
			"event_id":   env.EventID,
			"event_type": string(env.EventType),
			"project_id": env.ProjectID,
			"envelope":   string(raw),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

// Mirrored is the number of envelopes written to the stream.
func (r *Relay) Mirrored() int64 { return r.mirrored.Load() }

// Failed is the number of envelopes the stream refused.
func (r *Relay) Failed() int64 { return r.failed.Load() }

// Close releases the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
