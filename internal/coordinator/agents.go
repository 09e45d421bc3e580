package coordinator

import (
	"context"
	"strings"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/invariant"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/shared"
)

// CreateAgentInput describes a new agent. ID is generated when empty and
// ProjectID defaults to the default project.
type CreateAgentInput struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id,omitempty"`
}

// CreateAgent registers an idle agent and records it as an
// agent.status_changed envelope with Registered set.
func (e *Engine) CreateAgent(ctx context.Context, in CreateAgentInput) (_ *agent.Agent, err error) {
	ctx, done := e.track(ctx, "create_agent", otelPkg.AttrAgentID.String(in.ID))
	defer func() { done(err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "agent name is required")
	}
	projectID := strings.TrimSpace(in.ProjectID)
	if projectID == "" {
		projectID = shared.DefaultProjectID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = e.newID()
	}
	if _, exists := e.agents[id]; exists {
		return nil, &ConflictError{Kind: "agent", ID: id}
	}

	now := e.now()
	a := agent.New(id, name, projectID, now)
	_, err = e.commit(ctx, now, mutation{
		projectID: projectID,
		payload: &events.AgentStatusChanged{
			Name:       a.Name,
			Status:     string(a.Status),
			Registered: true,
		},
		opts:   []events.Option{events.WithAgent(a.ID)},
		agents: []*agent.Agent{a},
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("agent registered", "agent_id", a.ID, "name", a.Name, "project_id", projectID)
	return a.Clone(), nil
}

// SetAgentStatus moves an agent directly. Going idle while holding an issue
// releases that issue; it keeps its workflow state and becomes unassigned.
func (e *Engine) SetAgentStatus(ctx context.Context, id, status, reason string) (_ *agent.Agent, err error) {
	ctx, done := e.track(ctx, "set_agent_status", otelPkg.AttrAgentID.String(id))
	defer func() { done(err) }()

	target, ok := agent.ParseStatus(status)
	if !ok {
		return nil, invalid("status", "unknown agent status %q", status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.agentLocked(id)
	if err != nil {
		return nil, err
	}
	checks := []invariant.Report{
		invariant.ValidateStateTransition(cur.Status, target, agent.Transitions),
		invariant.ValidateAgentHasIssue(cur, target),
	}
	if target == agent.StatusBlocked {
		checks = append(checks, invariant.ValidateBlock(reason))
	}
	if err := invariant.Combine(checks...).Err(); err != nil {
		return nil, err
	}

	now := e.now()
	a := cur.Clone()
	m := mutation{projectID: a.ProjectID, opts: []events.Option{events.WithAgent(a.ID)}}
	var released string
	if target == agent.StatusIdle && a.CurrentIssueID != "" {
		if held, ok := e.issues[a.CurrentIssueID]; ok && held.AssignedAgentID == a.ID {
			is := held.Clone()
			is.AssignedAgentID = ""
			is.UpdatedAt = now
			m.issues = append(m.issues, is)
			released = is.ID
		}
	}
	if err := a.Transition(target, reason, now); err != nil {
		return nil, err
	}
	if issueID := firstNonEmpty(a.CurrentIssueID, released); issueID != "" {
		m.opts = append(m.opts, events.WithIssue(issueID))
	}
	m.payload = &events.AgentStatusChanged{
		Name:            a.Name,
		PreviousStatus:  string(cur.Status),
		Status:          string(a.Status),
		CurrentIssueID:  a.CurrentIssueID,
		BlockReason:     a.BlockReason,
		ReleasedIssueID: released,
	}
	m.agents = []*agent.Agent{a}
	if _, err := e.commit(ctx, now, m); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
