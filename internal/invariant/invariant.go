// Package invariant holds the cross-entity business rules that must hold
// before any mutation is committed.
//
// Validators are pure: they inspect clones handed to them by the coordinator
// and return a Report. A report with violations means the mutation must not
// proceed; nothing is appended or published for it.
package invariant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-fleet/internal/agent"
	"github.com/basket/go-fleet/internal/fsm"
	"github.com/basket/go-fleet/internal/issue"
)

// MinBlockReason is the minimum trimmed length of a block reason.
const MinBlockReason = 5

// Rule names.
const (
	RuleAgentAlreadyAssigned = "agent_already_assigned"
	RuleIssueAlreadyAssigned = "issue_already_assigned"
	RuleIssueBlocked         = "issue_blocked"
	RuleIssueTerminal        = "issue_terminal"
	RuleBlockReason          = "block_reason"
	RuleTransition           = "invalid_transition"
	RuleIssueNeedsAgent      = "issue_requires_agent"
	RuleAgentNeedsIssue      = "agent_requires_issue"
	RuleIssueNotAssigned     = "issue_not_assigned"
	RuleIssueAlreadyBlocked  = "issue_already_blocked"
	RuleIssueNotBlocked      = "issue_not_blocked"
)

// ErrViolation matches every *ViolationError.
var ErrViolation = errors.New("invariant violation")

// Violation is one broken rule.
type Violation struct {
	Rule    string         `json:"rule"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the outcome of one or more validators. Noop is set when the
// mutation is valid but would change nothing.
type Report struct {
	Violations []Violation `json:"violations,omitempty"`
	Noop       bool        `json:"noop,omitempty"`
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

// Err returns nil when r holds no violations.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &ViolationError{Violations: r.Violations}
}

func (r *Report) add(rule, msg string, details map[string]any) {
	r.Violations = append(r.Violations, Violation{Rule: rule, Message: msg, Details: details})
}

// ViolationError carries every violation of a rejected mutation.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

// Rules lists the rule names in e.
func (e *ViolationError) Rules() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Rule)
	}
	return out
}

// Combine merges reports without short-circuiting. The result is a no-op only
// when every input is.
func Combine(reports ...Report) Report {
	var out Report
	out.Noop = len(reports) > 0
	for _, r := range reports {
		out.Violations = append(out.Violations, r.Violations...)
		out.Noop = out.Noop && r.Noop
	}
	if !out.OK() {
		out.Noop = false
	}
	return out
}

// ValidateAssignment checks that a may take target. Assigning an agent to the
// issue it already holds is a no-op success.
func ValidateAssignment(a *agent.Agent, target *issue.Issue, all []*issue.Issue) Report {
	var r Report
	if a.CurrentIssueID == target.ID && target.AssignedAgentID == a.ID {
		r.Noop = true
		return r
	}
	if a.CurrentIssueID != "" && a.CurrentIssueID != target.ID {
		held := 0
		for _, is := range all {
			if is.ID == a.CurrentIssueID {
				held = is.Number
				break
			}
		}
		r.add(RuleAgentAlreadyAssigned,
			fmt.Sprintf("agent %s is already assigned to issue #%d", a.Name, held),
			map[string]any{"agent_id": a.ID, "issue_id": a.CurrentIssueID, "issue_number": held})
	}
	if target.AssignedAgentID != "" && target.AssignedAgentID != a.ID {
		r.add(RuleIssueAlreadyAssigned,
			fmt.Sprintf("issue #%d is already assigned to another agent", target.Number),
			map[string]any{"issue_id": target.ID, "agent_id": target.AssignedAgentID})
	}
	if target.IsBlocked {
		r.add(RuleIssueBlocked,
			fmt.Sprintf("issue #%d is blocked: %s", target.Number, target.BlockReason),
			map[string]any{"issue_id": target.ID, "reason": target.BlockReason})
	}
	if issue.IsTerminal(target.State) {
		r.add(RuleIssueTerminal,
			fmt.Sprintf("issue #%d is %s", target.Number, target.State),
			map[string]any{"issue_id": target.ID, "state": string(target.State)})
	}
	return r
}

// ValidateBlock rejects missing or too-short block reasons.
func ValidateBlock(reason string) Report {
	var r Report
	if n := len([]rune(strings.TrimSpace(reason))); n < MinBlockReason {
		r.add(RuleBlockReason,
			fmt.Sprintf("block reason must be at least %d characters", MinBlockReason),
			map[string]any{"length": n, "minimum": MinBlockReason})
	}
	return r
}

// ValidateStateTransition checks current → target against table.
func ValidateStateTransition[S ~string](current, target S, table fsm.Table[S]) Report {
	var r Report
	if !table.Can(current, target) {
		r.add(RuleTransition,
			fmt.Sprintf("invalid transition: %s -> %s", current, target),
			map[string]any{
				"current_state":    string(current),
				"requested_state":  string(target),
				"validTransitions": table.Strings(current),
			})
	}
	return r
}

// ValidateIssueHasAgent rejects moving an unassigned issue into a state that
// needs an agent working on it.
func ValidateIssueHasAgent(is *issue.Issue, target issue.State) Report {
	var r Report
	if issue.IsActive(target) && is.AssignedAgentID == "" {
		r.add(RuleIssueNeedsAgent,
			fmt.Sprintf("issue #%d must be assigned to an agent before entering %s", is.Number, target),
			map[string]any{"issue_id": is.ID, "requested_state": string(target)})
	}
	return r
}

// ValidateAgentHasIssue rejects putting an agent to work without an issue.
func ValidateAgentHasIssue(a *agent.Agent, target agent.Status) Report {
	var r Report
	if target == agent.StatusWorking && a.CurrentIssueID == "" {
		r.add(RuleAgentNeedsIssue,
			fmt.Sprintf("agent %s has no issue to work on; assign one instead", a.Name),
			map[string]any{"agent_id": a.ID})
	}
	return r
}

// ValidateUnassign requires the issue to be held by an agent.
func ValidateUnassign(is *issue.Issue) Report {
	var r Report
	if is.AssignedAgentID == "" {
		r.add(RuleIssueNotAssigned,
			fmt.Sprintf("issue #%d is not assigned", is.Number),
			map[string]any{"issue_id": is.ID})
	}
	return r
}

// ValidateBlockable rejects blocking a terminal or already blocked issue.
func ValidateBlockable(is *issue.Issue) Report {
	var r Report
	if issue.IsTerminal(is.State) {
		r.add(RuleIssueTerminal,
			fmt.Sprintf("issue #%d is %s", is.Number, is.State),
			map[string]any{"issue_id": is.ID, "state": string(is.State)})
	}
	if is.IsBlocked {
		r.add(RuleIssueAlreadyBlocked,
			fmt.Sprintf("issue #%d is already blocked: %s", is.Number, is.BlockReason),
			map[string]any{"issue_id": is.ID, "reason": is.BlockReason})
	}
	return r
}

// ValidateUnblockable requires the issue to be blocked.
func ValidateUnblockable(is *issue.Issue) Report {
	var r Report
	if !is.IsBlocked {
		r.add(RuleIssueNotBlocked,
			fmt.Sprintf("issue #%d is not blocked", is.Number),
			map[string]any{"issue_id": is.ID})
	}
	return r
}
