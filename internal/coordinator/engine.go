// Package coordinator is the single mutation path of the fleet. Every change
// to an agent or issue is validated against the invariant layer and the state
// machines, appended to the event log as exactly one envelope and then
// published to the router.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/fsm"
	"github.com/basket/go-fleet/internal/invariant"
	"github.com/basket/go-fleet/internal/issue"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/shared"
)

// EventLog is the slice of the persistence store the engine needs.
type EventLog interface {
	AppendWith(ctx context.Context, build persistence.BuildFunc) (events.Envelope, error)
	EventsSince(ctx context.Context, since int64, limit int) ([]events.Envelope, error)
	CurrentSeq(ctx context.Context) (int64, error)
	AllEvents(ctx context.Context, fn func(events.Envelope) error) error
}

// Publisher fans committed envelopes out to subscribers.
type Publisher interface {
	Publish(env events.Envelope) bus.PublishResult
}

// Config holds the engine's collaborators. Log and Router are required.
type Config struct {
	Log     EventLog
	Router  Publisher
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Clock   func() time.Time
	NewID   func() string
}

// Engine owns every agent and issue. Callers only ever receive clones.
type Engine struct {
	log     EventLog
	router  Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	clock   func() time.Time
	newID   func() string
	factory *events.Factory

	mu      sync.Mutex
	agents  map[string]*agent.Agent
	issues  map[string]*issue.Issue
	numbers map[string]map[int]string
}

// New creates an empty engine. Call Restore to rebuild state from the log.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("coordinator: event log is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("coordinator: router is required")
	}
	e := &Engine{
		log:     cfg.Log,
		router:  cfg.Router,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		factory: events.NewFactory(),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if e.metrics == nil {
		e.metrics = otelPkg.NoopMetrics()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.reset()
	return e, nil
}

func (e *Engine) reset() {
	e.agents = make(map[string]*agent.Agent)
	e.issues = make(map[string]*issue.Issue)
	e.numbers = make(map[string]map[int]string)
}

// now returns the mutation timestamp. Monotonic readings are stripped so the
// value matches what the envelope timestamp parses back to.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Round(0)
}

// mutation is one validated change ready to commit.
type mutation struct {
	projectID string
	payload   events.Payload
	opts      []events.Option
	agents    []*agent.Agent
	issues    []*issue.Issue
}

// commit appends m as one envelope stamped with now, swaps the mutated clones
// in and publishes. Must be called with e.mu held. On append failure nothing
// in memory changes.
func (e *Engine) commit(ctx context.Context, now time.Time, m mutation) (events.Envelope, error) {
	factory := e.factory.WithClock(func() time.Time { return now })
	env, err := e.log.AppendWith(ctx, func(ctx context.Context, seq events.Sequencer) (events.Envelope, error) {
		return factory.Create(ctx, seq, m.projectID, m.payload, m.opts...)
	})
	if err != nil {
		e.metrics.StorageErrors.Add(ctx, 1,
			metric.WithAttributes(otelPkg.AttrEventType.String(string(m.payload.EventType()))))
		e.logger.Error("event append failed",
			"event_type", m.payload.EventType(),
			"project_id", m.projectID,
			"trace_id", shared.TraceID(ctx),
			"error", err)
		if m.payload.EventType() != events.TypeSystemError {
			e.reportErrorLocked(ctx, m.projectID, "STORAGE_ERROR",
				fmt.Sprintf("append %s failed", m.payload.EventType()))
		}
		return events.Envelope{}, fmt.Errorf("append %s: %w", m.payload.EventType(), err)
	}

	for _, a := range m.agents {
		e.agents[a.ID] = a
	}
	for _, is := range m.issues {
		e.putIssue(is)
	}

	res := e.router.Publish(env)
	typeAttr := metric.WithAttributes(otelPkg.AttrEventType.String(string(env.EventType)))
	e.metrics.EventsAppended.Add(ctx, 1, typeAttr)
	e.metrics.Deliveries.Add(ctx, int64(res.Delivered), typeAttr)
	if res.Skipped > 0 {
		e.metrics.DeliveryDrops.Add(ctx, int64(res.Skipped), typeAttr)
		e.logger.Warn("event not delivered to every subscriber",
			"seq", env.Seq, "event_type", env.EventType, "skipped", res.Skipped)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		otelPkg.AttrSeq.Int64(env.Seq),
		otelPkg.AttrEventType.String(string(env.EventType)),
	)
	e.logger.Debug("event committed",
		"seq", env.Seq,
		"event_type", env.EventType,
		"project_id", env.ProjectID,
		"agent_id", env.AgentID,
		"issue_id", env.IssueID,
		"recipients", res.Recipients)
	return env, nil
}

func (e *Engine) putIssue(is *issue.Issue) {
	e.issues[is.ID] = is
	byNumber := e.numbers[is.ProjectID]
	if byNumber == nil {
		byNumber = make(map[int]string)
		e.numbers[is.ProjectID] = byNumber
	}
	byNumber[is.Number] = is.ID
}

// track starts the span for one operation and returns the func that ends it.
func (e *Engine) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "coordinator."+op, attrs...)
	return ctx, func(err error) {
		opAttr := metric.WithAttributes(attribute.String("op", op))
		e.metrics.MutationDuration.Record(ctx, time.Since(start).Seconds(), opAttr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if rejected(err) {
				e.metrics.InvariantRejects.Add(ctx, 1, opAttr)
				e.logger.Info("mutation rejected", "op", op, "reason", err.Error(), "trace_id", shared.TraceID(ctx))
			}
		}
		span.End()
	}
}

func rejected(err error) bool {
	return errors.Is(err, invariant.ErrViolation) || errors.Is(err, fsm.ErrInvalidTransition)
}

func (e *Engine) agentLocked(id string) (*agent.Agent, error) {
	a, ok := e.agents[id]
	if !ok {
		return nil, &NotFoundError{Kind: "agent", ID: id}
	}
	return a, nil
}

func (e *Engine) issueLocked(id string) (*issue.Issue, error) {
	is, ok := e.issues[id]
	if !ok {
		return nil, &NotFoundError{Kind: "issue", ID: id}
	}
	return is, nil
}

func (e *Engine) issueListLocked() []*issue.Issue {
	out := make([]*issue.Issue, 0, len(e.issues))
	for _, is := range e.issues {
		out = append(out, is)
	}
	return out
}

func (e *Engine) projectsLocked() []string {
	seen := make(map[string]struct{})
	for _, a := range e.agents {
		seen[a.ProjectID] = struct{}{}
	}
	for _, is := range e.issues {
		seen[is.ProjectID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
