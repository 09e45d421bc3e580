package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sequencer hands out the next global sequence number. The event log is the
// only production implementation.
type Sequencer interface {
	NextSeq(ctx context.Context) (int64, error)
}

// SequencerFunc adapts a function to Sequencer.
type SequencerFunc func(ctx context.Context) (int64, error)

func (f SequencerFunc) NextSeq(ctx context.Context) (int64, error) { return f(ctx) }

// Option sets an optional correlation field on a new envelope.
type Option func(*Envelope)

// WithAgent correlates the envelope with an agent.
func WithAgent(agentID string) Option {
	return func(e *Envelope) { e.AgentID = agentID }
}

// WithIssue correlates the envelope with an issue.
func WithIssue(issueID string) Option {
	return func(e *Envelope) { e.IssueID = issueID }
}

// Factory builds fully populated envelopes.
type Factory struct {
	now   func() time.Time
	newID func() string
}

// NewFactory returns a Factory using the wall clock and random UUIDs.
func NewFactory() *Factory {
	return &Factory{now: time.Now, newID: uuid.NewString}
}

// WithClock returns a copy of f that stamps envelopes with now().
func (f *Factory) WithClock(now func() time.Time) *Factory {
	cp := *f
	cp.now = now
	return &cp
}

// Create builds an envelope for payload in projectID. The sequencer is called
// exactly once; a sequencer error aborts creation.
func (f *Factory) Create(ctx context.Context, seq Sequencer, projectID string, payload Payload, opts ...Option) (Envelope, error) {
	if payload == nil {
		return Envelope{}, errors.New("create envelope: nil payload")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("create envelope: marshal %s payload: %w", payload.EventType(), err)
	}
	env := Envelope{
		EventID:   f.newID(),
		EventType: payload.EventType(),
		Timestamp: f.now().UTC().Format(TimestampLayout),
		ProjectID: projectID,
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(&env)
	}
	n, err := seq.NextSeq(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("create envelope: next seq: %w", err)
	}
	env.Seq = n
	return env, nil
}

// Validate lists every missing or invalid field of env. An empty result means
// the envelope is well formed.
func Validate(env Envelope) []string {
	var problems []string
	if strings.TrimSpace(env.EventID) == "" {
		problems = append(problems, "event_id")
	}
	if env.EventType == "" || !Known(env.EventType) {
		problems = append(problems, "event_type")
	}
	if env.Timestamp == "" {
		problems = append(problems, "timestamp")
	} else if _, err := env.Time(); err != nil {
		problems = append(problems, "timestamp")
	}
	if strings.TrimSpace(env.ProjectID) == "" {
		problems = append(problems, "project_id")
	}
	if env.Seq <= 0 {
		problems = append(problems, "seq")
	}
	if !isJSONObject(env.Payload) {
		problems = append(problems, "payload")
	}
	return problems
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
