// Package issue implements the issue workflow state machine.
package issue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/fsm"
)

type State string

const (
	StateBacklog     State = "backlog"
	StateAnalysis    State = "analysis"
	StateDevelopment State = "development"
	StateTesting     State = "testing"
	StateReview      State = "review"
	StateDone        State = "done"
	StateCancelled   State = "cancelled"
)

// Transitions is the workflow table: forward edges, rework edges, cancellation
// from every non-terminal state, and reopen from cancelled. done has no edges.
var Transitions = fsm.Table[State]{
	StateBacklog:     {StateAnalysis, StateCancelled},
	StateAnalysis:    {StateDevelopment, StateBacklog, StateCancelled},
	StateDevelopment: {StateTesting, StateAnalysis, StateCancelled},
	StateTesting:     {StateReview, StateDevelopment, StateCancelled},
	StateReview:      {StateDone, StateDevelopment, StateCancelled},
	StateCancelled:   {StateBacklog},
}

// forward is the canonical workflow order used by Advance.
var forward = []State{StateBacklog, StateAnalysis, StateDevelopment, StateTesting, StateReview, StateDone}

// rework is the backward edge taken by Retreat.
var rework = map[State]State{
	StateAnalysis:    StateBacklog,
	StateDevelopment: StateAnalysis,
	StateTesting:     StateDevelopment,
	StateReview:      StateDevelopment,
}

// ActiveStates require an assigned agent.
var ActiveStates = []State{StateAnalysis, StateDevelopment, StateTesting, StateReview}

// AllStates lists every workflow state in display order.
var AllStates = []State{StateBacklog, StateAnalysis, StateDevelopment, StateTesting, StateReview, StateDone, StateCancelled}

func ParseState(s string) (State, bool) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Transitions[st]; ok || st == StateDone {
		return st, true
	}
	return "", false
}

// IsActive reports whether st is one of the states that need an agent.
func IsActive(st State) bool {
	for _, a := range ActiveStates {
		if a == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether st ends forward work.
func IsTerminal(st State) bool {
	return st == StateDone || st == StateCancelled
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, true
	case "":
		return PriorityMedium, true
	}
	return "", false
}

var (
	ErrAtEnd           = errors.New("no further step in workflow")
	ErrAlreadyBlocked  = errors.New("issue is already blocked")
	ErrNotBlocked      = errors.New("issue is not blocked")
	ErrReasonRequired  = errors.New("block reason is required")
	ErrTerminalBlocked = errors.New("terminal issues cannot be blocked")
)

// Issue is one unit of work. Issues are never removed; done and cancelled are
// their logical end.
type Issue struct {
	ID              string     `json:"id"`
	Number          int        `json:"number"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ProjectID       string     `json:"project_id"`
	State           State      `json:"state"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	IsBlocked       bool       `json:"is_blocked"`
	BlockReason     string     `json:"block_reason,omitempty"`
	Priority        Priority   `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// New returns an issue in backlog.
func New(id string, number int, title, projectID string, now time.Time) *Issue {
	return &Issue{
		ID:        id,
		Number:    number,
		Title:     title,
		ProjectID: projectID,
		State:     StateBacklog,
		Priority:  PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (i *Issue) Clone() *Issue {
	cp := *i
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (i *Issue) CanTransition(target State) bool {
	return Transitions.Can(i.State, target)
}

// Transition moves the issue to target. Entering done or cancelled releases
// the assigned agent and clears the blocked flag. Nothing is mutated on error.
func (i *Issue) Transition(target State, now time.Time) error {
	if err := Transitions.Check("issue", i.ID, i.State, target); err != nil {
		return err
	}
	if IsTerminal(target) {
		i.AssignedAgentID = ""
		i.IsBlocked = false
		i.BlockReason = ""
	}
	switch target {
	case StateDone:
		done := now
		i.CompletedAt = &done
	case StateBacklog:
		i.CompletedAt = nil
	}
	i.State = target
	i.UpdatedAt = now
	return nil
}

// Advance takes the next forward step.
func (i *Issue) Advance(now time.Time) error {
	for idx, st := range forward {
		if st == i.State && idx+1 < len(forward) {
			return i.Transition(forward[idx+1], now)
		}
	}
	return fmt.Errorf("advance issue %s from %s: %w", i.ID, i.State, ErrAtEnd)
}

// Retreat takes the rework edge of the current state.
func (i *Issue) Retreat(now time.Time) error {
	prev, ok := rework[i.State]
	if !ok {
		return fmt.Errorf("retreat issue %s from %s: %w", i.ID, i.State, ErrAtEnd)
	}
	return i.Transition(prev, now)
}

// Block flags the issue as blocked with reason.
func (i *Issue) Block(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return fmt.Errorf("block issue %s: %w", i.ID, ErrReasonRequired)
	case IsTerminal(i.State):
		return fmt.Errorf("block issue %s: %w", i.ID, ErrTerminalBlocked)
	case i.IsBlocked:
		return fmt.Errorf("block issue %s: %w", i.ID, ErrAlreadyBlocked)
	}
	i.IsBlocked = true
	i.BlockReason = reason
	i.UpdatedAt = now
	return nil
}

// Unblock clears the blocked flag.
func (i *Issue) Unblock(now time.Time) error {
	if !i.IsBlocked {
		return fmt.Errorf("unblock issue %s: %w", i.ID, ErrNotBlocked)
	}
	i.IsBlocked = false
	i.BlockReason = ""
	i.UpdatedAt = now
	return nil
}

// Column is the kanban board column an issue is displayed in.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnQA         Column = "qa"
	ColumnDone       Column = "done"
	ColumnArchived   Column = "archived"
)

// Column projects the workflow state onto the board.
func (i *Issue) Column() Column {
	return ColumnFor(i.State)
}

func ColumnFor(st State) Column {
	switch st {
	case StateAnalysis, StateDevelopment:
		return ColumnInProgress
	case StateTesting, StateReview:
		return ColumnQA
	case StateDone:
		return ColumnDone
	case StateCancelled:
		return ColumnArchived
	default:
		return ColumnBacklog
	}
}
