package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/issue"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/shared"
)

// Snapshot is a consistent view of every entity and the log position it
// reflects.
type Snapshot struct {
	Agents     []*agent.Agent `json:"agents"`
	Issues     []*issue.Issue `json:"issues"`
	CurrentSeq int64          `json:"currentSeq"`
}

// Agent returns a copy of the agent with id.
func (e *Engine) Agent(id string) (*agent.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.agentLocked(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// Agents lists agents in creation order. An empty projectID lists every
// project.
func (e *Engine) Agents(projectID string) []*agent.Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentsLocked(projectID)
}

func (e *Engine) agentsLocked(projectID string) []*agent.Agent {
	out := make([]*agent.Agent, 0, len(e.agents))
	for _, a := range e.agents {
		if projectID == "" || a.ProjectID == projectID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Issue returns a copy of the issue with id.
func (e *Engine) Issue(id string) (*issue.Issue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	is, err := e.issueLocked(id)
	if err != nil {
		return nil, err
	}
	return is.Clone(), nil
}

// Issues lists issues ordered by project and number.
func (e *Engine) Issues(projectID string) []*issue.Issue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issuesLocked(projectID)
}

func (e *Engine) issuesLocked(projectID string) []*issue.Issue {
	out := make([]*issue.Issue, 0, len(e.issues))
	for _, is := range e.issues {
		if projectID == "" || is.ProjectID == projectID {
			out = append(out, is.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// Snapshot returns every agent and issue together with the seq of the last
// event applied to them. Mutations are held off while it is taken.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, err := e.log.CurrentSeq(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return Snapshot{
		Agents:     e.agentsLocked(""),
		Issues:     e.issuesLocked(""),
		CurrentSeq: seq,
	}, nil
}

// EventsSince returns events with seq > since in ascending order.
func (e *Engine) EventsSince(ctx context.Context, since int64, limit int) ([]events.Envelope, error) {
	if since < 0 {
		return nil, invalid("since_seq", "since_seq must not be negative")
	}
	if limit <= 0 {
		limit = persistence.DefaultReplayLimit
	}
	return e.log.EventsSince(ctx, since, limit)
}

// CurrentSeq returns the seq of the last committed event.
func (e *Engine) CurrentSeq(ctx context.Context) (int64, error) {
	return e.log.CurrentSeq(ctx)
}

// EmitSnapshot records one system.snapshot per known project and returns
// the committed envelopes.
func (e *Engine) EmitSnapshot(ctx context.Context) (_ []events.Envelope, err error) {
	ctx, done := e.track(ctx, "emit_snapshot")
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []events.Envelope
	for _, projectID := range e.projectsLocked() {
		seq, err := e.log.CurrentSeq(ctx)
		if err != nil {
			return out, fmt.Errorf("emit snapshot: %w", err)
		}
		payload := &events.SystemSnapshot{
			AgentsByStatus: make(map[string]int),
			IssuesByState:  make(map[string]int),
			CurrentSeq:     seq,
		}
		for _, a := range e.agents {
			if a.ProjectID == projectID {
				payload.AgentsByStatus[string(a.Status)]++
			}
		}
		for _, is := range e.issues {
			if is.ProjectID == projectID {
				payload.IssuesByState[string(is.State)]++
			}
		}
		env, err := e.commit(ctx, e.now(), mutation{projectID: projectID, payload: payload})
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Alert records a system.alert in projectID.
func (e *Engine) Alert(ctx context.Context, projectID, severity, message string) (_ events.Envelope, err error) {
	ctx, done := e.track(ctx, "alert", otelPkg.AttrProjectID.String(projectID))
	defer func() { done(err) }()

	switch severity {
	case events.SeverityInfo, events.SeverityWarning, events.SeverityError:
	case "":
		severity = events.SeverityInfo
	default:
		return events.Envelope{}, invalid("severity", "unknown severity %q", severity)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return events.Envelope{}, invalid("message", "alert message is required")
	}
	if projectID = strings.TrimSpace(projectID); projectID == "" {
		projectID = shared.DefaultProjectID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commit(ctx, e.now(), mutation{
		projectID: projectID,
		payload:   &events.SystemAlert{Severity: severity, Message: message},
	})
}

// ReportError records a system.error. It is best effort: when the log
// refuses the append the failure is only logged.
func (e *Engine) ReportError(ctx context.Context, projectID, code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportErrorLocked(ctx, projectID, code, message)
}

func (e *Engine) reportErrorLocked(ctx context.Context, projectID, code, message string) {
	if projectID == "" {
		projectID = shared.DefaultProjectID
	}
	if _, err := e.commit(ctx, e.now(), mutation{
		projectID: projectID,
		payload:   &events.SystemError{Code: code, Message: message},
	}); err != nil {
		e.logger.Warn("system error not recorded", "code", code, "error", err)
	}
}
