// Package agent implements the agent lifecycle state machine.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/fsm"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
)

// Transitions is the agent lifecycle table. There are no self transitions.
var Transitions = fsm.Table[Status]{
	StatusIdle:    {StatusWorking},
	StatusWorking: {StatusIdle, StatusBlocked},
	StatusBlocked: {StatusWorking, StatusIdle},
}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusIdle, StatusWorking, StatusBlocked:
		return st, true
	}
	return "", false
}

var (
	ErrReasonRequired = errors.New("block reason is required")
	ErrNoIssue        = errors.New("working requires a current issue")
)

// Agent is one autonomous worker. The coordinator owns every Agent; callers
// outside it only ever see clones.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ProjectID      string    `json:"project_id"`
	Status         Status    `json:"status"`
	CurrentIssueID string    `json:"current_issue_id,omitempty"`
	BlockReason    string    `json:"block_reason,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New returns an idle agent.
func New(id, name, projectID string, now time.Time) *Agent {
	return &Agent{
		ID:           id,
		Name:         name,
		ProjectID:    projectID,
		Status:       StatusIdle,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (a *Agent) Clone() *Agent {
	cp := *a
	return &cp
}

func (a *Agent) CanTransition(target Status) bool {
	return Transitions.Can(a.Status, target)
}

// Transition moves the agent to target. Nothing is mutated on error.
func (a *Agent) Transition(target Status, reason string, now time.Time) error {
	if err := Transitions.Check("agent", a.ID, a.Status, target); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	switch target {
	case StatusBlocked:
		if reason == "" {
			return fmt.Errorf("agent %s: %w", a.ID, ErrReasonRequired)
		}
		a.BlockReason = reason
	case StatusWorking:
		if a.CurrentIssueID == "" {
			return fmt.Errorf("agent %s: %w", a.ID, ErrNoIssue)
		}
		a.BlockReason = ""
	case StatusIdle:
		a.CurrentIssueID = ""
		a.BlockReason = ""
	}
	a.Status = target
	a.touch(now)
	return nil
}

// StartWork takes an idle agent to working on issueID.
func (a *Agent) StartWork(issueID string, now time.Time) error {
	if a.Status != StatusIdle {
		return fmt.Errorf("agent %s cannot start work while %s", a.ID, a.Status)
	}
	if issueID == "" {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNoIssue)
	}
	a.CurrentIssueID = issueID
	if err := a.Transition(StatusWorking, "", now); err != nil {
		a.CurrentIssueID = ""
		return err
	}
	return nil
}

// FinishWork releases the current issue and returns the agent to idle.
func (a *Agent) FinishWork(now time.Time) error {
	if a.Status == StatusIdle {
		return fmt.Errorf("agent %s has no work to finish", a.ID)
	}
	return a.Transition(StatusIdle, "", now)
}

// Block moves a working agent to blocked.
func (a *Agent) Block(reason string, now time.Time) error {
	if a.Status != StatusWorking {
		return fmt.Errorf("agent %s cannot block while %s", a.ID, a.Status)
	}
	return a.Transition(StatusBlocked, reason, now)
}

// Unblock resumes work when an issue is held, otherwise returns to idle.
func (a *Agent) Unblock(now time.Time) error {
	if a.Status != StatusBlocked {
		return fmt.Errorf("agent %s is not blocked", a.ID)
	}
	if a.CurrentIssueID != "" {
		return a.Transition(StatusWorking, "", now)
	}
	return a.Transition(StatusIdle, "", now)
}

func (a *Agent) touch(now time.Time) {
	a.LastActivity = now
	a.UpdatedAt = now
}
