package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/issue"
)

// Restore rebuilds every agent and issue by replaying the whole event log.
// Entity changes are re-applied through the same state machine methods the
// live path uses, stamped with each envelope's timestamp, so the result is
// identical to the state that produced the log.
func (e *Engine) Restore(ctx context.Context) (err error) {
	ctx, done := e.track(ctx, "restore")
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.reset()
	var applied int
	err = e.log.AllEvents(ctx, func(env events.Envelope) error {
		if err := e.apply(env); err != nil {
			return fmt.Errorf("replay seq %d (%s): %w", env.Seq, env.EventType, err)
		}
		applied++
		return nil
	})
	if err != nil {
		e.reset()
		return fmt.Errorf("restore: %w", err)
	}
	e.logger.Info("state restored from event log",
		"events", applied, "agents", len(e.agents), "issues", len(e.issues))
	return nil
}

func (e *Engine) apply(env events.Envelope) error {
	at, err := env.Time()
	if err != nil {
		return err
	}
	payload, err := env.Decode()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *events.AgentStatusChanged:
		if p.Registered {
			e.agents[env.AgentID] = agent.New(env.AgentID, p.Name, env.ProjectID, at)
			return nil
		}
		a, err := e.agentLocked(env.AgentID)
		if err != nil {
			return err
		}
		target, ok := agent.ParseStatus(p.Status)
		if !ok {
			return fmt.Errorf("unknown agent status %q", p.Status)
		}
		if p.ReleasedIssueID != "" {
			is, err := e.issueLocked(p.ReleasedIssueID)
			if err != nil {
				return err
			}
			is.AssignedAgentID = ""
			is.UpdatedAt = at
		}
		return a.Transition(target, p.BlockReason, at)

	case *events.IssueCreated:
		is := issue.New(env.IssueID, p.Number, p.Title, env.ProjectID, at)
		is.Description = p.Description
		is.Priority = issue.Priority(p.Priority)
		e.putIssue(is)
		return nil

	case *events.IssueStateChanged:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		if err := e.releaseOnReplay(p.ReleasedAgentID, at); err != nil {
			return err
		}
		return is.Transition(issue.State(p.To), at)

	case *events.IssueCompleted:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		if err := e.releaseOnReplay(p.ReleasedAgentID, at); err != nil {
			return err
		}
		return is.Transition(issue.StateDone, at)

	case *events.IssueAssigned:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		a, err := e.agentLocked(env.AgentID)
		if err != nil {
			return err
		}
		if err := a.StartWork(is.ID, at); err != nil {
			return err
		}
		is.AssignedAgentID = a.ID
		is.UpdatedAt = at
		return nil

	case *events.IssueUnassigned:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		is.AssignedAgentID = ""
		is.UpdatedAt = at
		if a, ok := e.agents[p.AgentID]; ok && a.CurrentIssueID == is.ID {
			return a.FinishWork(at)
		}
		return nil

	case *events.IssueBlocked:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		if err := is.Block(p.Reason, at); err != nil {
			return err
		}
		if p.AgentBlocked {
			a, err := e.agentLocked(env.AgentID)
			if err != nil {
				return err
			}
			return a.Block(p.AgentBlockReason, at)
		}
		return nil

	case *events.IssueUnblocked:
		is, err := e.issueLocked(env.IssueID)
		if err != nil {
			return err
		}
		if err := is.Unblock(at); err != nil {
			return err
		}
		if p.AgentResumed {
			a, err := e.agentLocked(env.AgentID)
			if err != nil {
				return err
			}
			return a.Unblock(at)
		}
		return nil
	}
	// system.* envelopes carry no entity state.
	return nil
}

func (e *Engine) releaseOnReplay(agentID string, at time.Time) error {
	if agentID == "" {
		return nil
	}
	a, err := e.agentLocked(agentID)
	if err != nil {
		return err
	}
	return a.FinishWork(at)
}
