package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/invariant"
	"github.com/basket/go-fleet/internal/issue"
	otelPkg "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/shared"
)

// CreateIssueInput describes a new issue. ID is generated when empty, Number
// is the next free number in the project when zero and Priority defaults to
// medium.
type CreateIssueInput struct {
	ID          string `json:"id,omitempty"`
	Number      int    `json:"number,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Assignment is the result of AssignIssue. Noop is set when the agent
// already held the issue and nothing was recorded.
type Assignment struct {
	Agent *agent.Agent `json:"agent"`
	Issue *issue.Issue `json:"issue"`
	Noop  bool         `json:"noop,omitempty"`
}

// CreateIssue adds an issue in backlog.
func (e *Engine) CreateIssue(ctx context.Context, in CreateIssueInput) (_ *issue.Issue, err error) {
	ctx, done := e.track(ctx, "create_issue", otelPkg.AttrIssueID.String(in.ID))
	defer func() { done(err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title", "issue title is required")
	}
	if in.Number < 0 {
		return nil, invalid("number", "issue number must be positive, got %d", in.Number)
	}
	priority, ok := issue.ParsePriority(in.Priority)
	if !ok {
		return nil, invalid("priority", "unknown priority %q", in.Priority)
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
	if _, exists := e.issues[id]; exists {
		return nil, &ConflictError{Kind: "issue", ID: id}
	}
	number := in.Number
	if number == 0 {
		number = e.nextNumberLocked(projectID)
	} else if holder, taken := e.numbers[projectID][number]; taken {
		return nil, &ConflictError{Kind: "issue", ID: holder,
			Msg: fmt.Sprintf("issue #%d already exists in project %s", number, projectID)}
	}

	now := e.now()
	is := issue.New(id, number, title, projectID, now)
	is.Description = strings.TrimSpace(in.Description)
	is.Priority = priority
	_, err = e.commit(ctx, now, mutation{
		projectID: projectID,
		payload: &events.IssueCreated{
			Number:      is.Number,
			Title:       is.Title,
			Description: is.Description,
			Priority:    string(is.Priority),
			State:       string(is.State),
		},
		opts:   []events.Option{events.WithIssue(is.ID)},
		issues: []*issue.Issue{is},
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("issue created", "issue_id", is.ID, "number", is.Number, "project_id", projectID)
	return is.Clone(), nil
}

func (e *Engine) nextNumberLocked(projectID string) int {
	highest := 0
	for n := range e.numbers[projectID] {
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}

// SetIssueState moves an issue through its workflow. Entering done or
// cancelled releases the assigned agent back to idle.
func (e *Engine) SetIssueState(ctx context.Context, id, state string) (_ *issue.Issue, err error) {
	ctx, done := e.track(ctx, "set_issue_state", otelPkg.AttrIssueID.String(id))
	defer func() { done(err) }()

	target, ok := issue.ParseState(state)
	if !ok {
		return nil, invalid("state", "unknown issue state %q", state)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.issueLocked(id)
	if err != nil {
		return nil, err
	}
	if err := invariant.Combine(
		invariant.ValidateStateTransition(cur.State, target, issue.Transitions),
		invariant.ValidateIssueHasAgent(cur, target),
	).Err(); err != nil {
		return nil, err
	}

	now := e.now()
	is := cur.Clone()
	released, err := e.releaseLocked(cur, target, now)
	if err != nil {
		return nil, err
	}
	if err := is.Transition(target, now); err != nil {
		return nil, err
	}
	payload := &events.IssueStateChanged{From: string(cur.State), To: string(is.State)}
	m := mutation{
		projectID: is.ProjectID,
		payload:   payload,
		opts:      []events.Option{events.WithIssue(is.ID)},
		issues:    []*issue.Issue{is},
	}
	if released != nil {
		payload.ReleasedAgentID = released.ID
		m.opts = append(m.opts, events.WithAgent(released.ID))
		m.agents = []*agent.Agent{released}
	} else if is.AssignedAgentID != "" {
		m.opts = append(m.opts, events.WithAgent(is.AssignedAgentID))
	}
	if _, err := e.commit(ctx, now, m); err != nil {
		return nil, err
	}
	return is.Clone(), nil
}

// releaseLocked returns a clone of the agent holding is, moved to idle, when
// target ends the issue. It returns nil when nothing needs releasing.
func (e *Engine) releaseLocked(is *issue.Issue, target issue.State, now time.Time) (*agent.Agent, error) {
	if !issue.IsTerminal(target) || is.AssignedAgentID == "" {
		return nil, nil
	}
	held, ok := e.agents[is.AssignedAgentID]
	if !ok || held.CurrentIssueID != is.ID {
		return nil, nil
	}
	a := held.Clone()
	if err := a.FinishWork(now); err != nil {
		return nil, err
	}
	return a, nil
}

// AssignIssue puts an idle agent to work on an issue. The issue keeps its
// workflow state.
func (e *Engine) AssignIssue(ctx context.Context, issueID, agentID string) (_ Assignment, err error) {
	ctx, done := e.track(ctx, "assign_issue",
		otelPkg.AttrIssueID.String(issueID), otelPkg.AttrAgentID.String(agentID))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	curIssue, err := e.issueLocked(issueID)
	if err != nil {
		return Assignment{}, err
	}
	curAgent, err := e.agentLocked(agentID)
	if err != nil {
		return Assignment{}, err
	}
	if curAgent.ProjectID != curIssue.ProjectID {
		return Assignment{}, invalid("agent_id", "agent %s belongs to project %s, issue #%d to %s",
			curAgent.ID, curAgent.ProjectID, curIssue.Number, curIssue.ProjectID)
	}
	report := invariant.ValidateAssignment(curAgent, curIssue, e.issueListLocked())
	if err := report.Err(); err != nil {
		return Assignment{}, err
	}
	if report.Noop {
		return Assignment{Agent: curAgent.Clone(), Issue: curIssue.Clone(), Noop: true}, nil
	}

	now := e.now()
	a, is := curAgent.Clone(), curIssue.Clone()
	if err := a.StartWork(is.ID, now); err != nil {
		return Assignment{}, err
	}
	is.AssignedAgentID = a.ID
	is.UpdatedAt = now
	_, err = e.commit(ctx, now, mutation{
		projectID: is.ProjectID,
		payload: &events.IssueAssigned{
			IssueNumber:         is.Number,
			PreviousAgentStatus: string(curAgent.Status),
		},
		opts:   []events.Option{events.WithAgent(a.ID), events.WithIssue(is.ID)},
		agents: []*agent.Agent{a},
		issues: []*issue.Issue{is},
	})
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{Agent: a.Clone(), Issue: is.Clone()}, nil
}

// UnassignIssue takes the issue away from its agent, which goes idle. The
// issue keeps its state and cannot advance into another active state until it
// is reassigned.
func (e *Engine) UnassignIssue(ctx context.Context, issueID string) (_ Assignment, err error) {
	ctx, done := e.track(ctx, "unassign_issue", otelPkg.AttrIssueID.String(issueID))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.issueLocked(issueID)
	if err != nil {
		return Assignment{}, err
	}
	if err := invariant.ValidateUnassign(cur).Err(); err != nil {
		return Assignment{}, err
	}

	now := e.now()
	is := cur.Clone()
	agentID := is.AssignedAgentID
	is.AssignedAgentID = ""
	is.UpdatedAt = now
	m := mutation{
		projectID: is.ProjectID,
		payload:   &events.IssueUnassigned{IssueNumber: is.Number, AgentID: agentID},
		opts:      []events.Option{events.WithAgent(agentID), events.WithIssue(is.ID)},
		issues:    []*issue.Issue{is},
	}
	var a *agent.Agent
	if held, ok := e.agents[agentID]; ok && held.CurrentIssueID == is.ID {
		a = held.Clone()
		if err := a.FinishWork(now); err != nil {
			return Assignment{}, err
		}
		m.agents = []*agent.Agent{a}
	}
	if _, err := e.commit(ctx, now, m); err != nil {
		return Assignment{}, err
	}
	out := Assignment{Issue: is.Clone()}
	if a != nil {
		out.Agent = a.Clone()
	}
	return out, nil
}

// agentBlockPrefix marks an agent block caused by blocking issue number n.
func agentBlockPrefix(n int) string {
	return fmt.Sprintf("Blocked on issue #%d:", n)
}

// BlockIssue flags an issue as blocked. A working agent on it is blocked too,
// with a reason naming the issue.
func (e *Engine) BlockIssue(ctx context.Context, issueID, reason string) (_ Assignment, err error) {
	ctx, done := e.track(ctx, "block_issue", otelPkg.AttrIssueID.String(issueID))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.issueLocked(issueID)
	if err != nil {
		return Assignment{}, err
	}
	if err := invariant.Combine(
		invariant.ValidateBlock(reason),
		invariant.ValidateBlockable(cur),
	).Err(); err != nil {
		return Assignment{}, err
	}

	now := e.now()
	is := cur.Clone()
	if err := is.Block(reason, now); err != nil {
		return Assignment{}, err
	}
	payload := &events.IssueBlocked{Reason: is.BlockReason}
	m := mutation{
		projectID: is.ProjectID,
		payload:   payload,
		opts:      []events.Option{events.WithIssue(is.ID)},
		issues:    []*issue.Issue{is},
	}
	var a *agent.Agent
	if held, ok := e.agents[is.AssignedAgentID]; ok && held.CurrentIssueID == is.ID {
		m.opts = append(m.opts, events.WithAgent(held.ID))
		if held.Status == agent.StatusWorking {
			a = held.Clone()
			if err := a.Block(agentBlockPrefix(is.Number)+" "+is.BlockReason, now); err != nil {
				return Assignment{}, err
			}
			payload.AgentBlocked = true
			payload.AgentBlockReason = a.BlockReason
			m.agents = []*agent.Agent{a}
		}
	}
	if _, err := e.commit(ctx, now, m); err != nil {
		return Assignment{}, err
	}
	out := Assignment{Issue: is.Clone()}
	if a != nil {
		out.Agent = a.Clone()
	}
	return out, nil
}

// UnblockIssue clears the blocked flag. An agent blocked because of this
// issue resumes work.
func (e *Engine) UnblockIssue(ctx context.Context, issueID string) (_ Assignment, err error) {
	ctx, done := e.track(ctx, "unblock_issue", otelPkg.AttrIssueID.String(issueID))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.issueLocked(issueID)
	if err != nil {
		return Assignment{}, err
	}
	if err := invariant.ValidateUnblockable(cur).Err(); err != nil {
		return Assignment{}, err
	}

	now := e.now()
	is := cur.Clone()
	if err := is.Unblock(now); err != nil {
		return Assignment{}, err
	}
	payload := &events.IssueUnblocked{}
	m := mutation{
		projectID: is.ProjectID,
		payload:   payload,
		opts:      []events.Option{events.WithIssue(is.ID)},
		issues:    []*issue.Issue{is},
	}
	var a *agent.Agent
	if held, ok := e.agents[is.AssignedAgentID]; ok && held.CurrentIssueID == is.ID {
		m.opts = append(m.opts, events.WithAgent(held.ID))
		if held.Status == agent.StatusBlocked && strings.HasPrefix(held.BlockReason, agentBlockPrefix(is.Number)) {
			a = held.Clone()
			if err := a.Unblock(now); err != nil {
				return Assignment{}, err
			}
			payload.AgentResumed = true
			m.agents = []*agent.Agent{a}
		}
	}
	if _, err := e.commit(ctx, now, m); err != nil {
		return Assignment{}, err
	}
	out := Assignment{Issue: is.Clone()}
	if a != nil {
		out.Agent = a.Clone()
	}
	return out, nil
}

// CompleteIssue finishes an issue under review and releases its agent.
func (e *Engine) CompleteIssue(ctx context.Context, issueID string) (_ Assignment, err error) {
	ctx, done := e.track(ctx, "complete_issue", otelPkg.AttrIssueID.String(issueID))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.issueLocked(issueID)
	if err != nil {
		return Assignment{}, err
	}
	if err := invariant.ValidateStateTransition(cur.State, issue.StateDone, issue.Transitions).Err(); err != nil {
		return Assignment{}, err
	}

	now := e.now()
	is := cur.Clone()
	released, err := e.releaseLocked(cur, issue.StateDone, now)
	if err != nil {
		return Assignment{}, err
	}
	if err := is.Transition(issue.StateDone, now); err != nil {
		return Assignment{}, err
	}
	payload := &events.IssueCompleted{From: string(cur.State)}
	m := mutation{
		projectID: is.ProjectID,
		payload:   payload,
		opts:      []events.Option{events.WithIssue(is.ID)},
		issues:    []*issue.Issue{is},
	}
	out := Assignment{Issue: is.Clone()}
	if released != nil {
		payload.ReleasedAgentID = released.ID
		m.opts = append(m.opts, events.WithAgent(released.ID))
		m.agents = []*agent.Agent{released}
		out.Agent = released.Clone()
	}
	if _, err := e.commit(ctx, now, m); err != nil {
		return Assignment{}, err
	}
	e.logger.Info("issue completed", "issue_id", is.ID, "number", is.Number, "released_agent_id", payload.ReleasedAgentID)
	return out, nil
}
