// Package events defines the event envelope, the closed set of event types
// and their typed payloads.
//
// Every change committed by the coordinator is recorded as exactly one
// Envelope. Payloads are stored in serialized form on the envelope; Decode
// returns the typed variant selected by the envelope's event type.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever a payload shape changes incompatibly.
const SchemaVersion = 1

// TimestampLayout is fixed width so timestamps sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Type identifies the kind of change an envelope records.
type Type string

const (
	TypeIssueCreated       Type = "issue.created"
	TypeIssueStateChanged  Type = "issue.state_changed"
	TypeIssueBlocked       Type = "issue.blocked"
	TypeIssueUnblocked     Type = "issue.unblocked"
	TypeIssueAssigned      Type = "issue.assigned"
	TypeIssueUnassigned    Type = "issue.unassigned"
	TypeIssueCompleted     Type = "issue.completed"
	TypeAgentStatusChanged Type = "agent.status_changed"
	TypeSystemSnapshot     Type = "system.snapshot"
	TypeSystemError        Type = "system.error"
	TypeSystemAlert        Type = "system.alert"
)

var knownTypes = map[Type]struct{}{
	TypeIssueCreated:       {},
	TypeIssueStateChanged:  {},
	TypeIssueBlocked:       {},
	TypeIssueUnblocked:     {},
	TypeIssueAssigned:      {},
	TypeIssueUnassigned:    {},
	TypeIssueCompleted:     {},
	TypeAgentStatusChanged: {},
	TypeSystemSnapshot:     {},
	TypeSystemError:        {},
	TypeSystemAlert:        {},
}

// Known reports whether t is part of the closed event type set.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the canonical, immutable record of one committed change.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType Type            `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	ProjectID string          `json:"project_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	IssueID   string          `json:"issue_id,omitempty"`
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// Time parses the envelope timestamp.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, e.Timestamp)
}

// Decode returns the typed payload selected by EventType.
func (e Envelope) Decode() (Payload, error) {
	var p Payload
	switch e.EventType {
	case TypeIssueCreated:
		p = &IssueCreated{}
	case TypeIssueStateChanged:
		p = &IssueStateChanged{}
	case TypeIssueBlocked:
		p = &IssueBlocked{}
	case TypeIssueUnblocked:
		p = &IssueUnblocked{}
	case TypeIssueAssigned:
		p = &IssueAssigned{}
	case TypeIssueUnassigned:
		p = &IssueUnassigned{}
	case TypeIssueCompleted:
		p = &IssueCompleted{}
	case TypeAgentStatusChanged:
		p = &AgentStatusChanged{}
	case TypeSystemSnapshot:
		p = &SystemSnapshot{}
	case TypeSystemError:
		p = &SystemError{}
	case TypeSystemAlert:
		p = &SystemAlert{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return p, nil
}

// Payload is implemented by every typed event payload.
type Payload interface {
	EventType() Type
}

type IssueCreated struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	State       string `json:"state"`
}

type IssueStateChanged struct {
	From            string `json:"from"`
	To              string `json:"to"`
	ReleasedAgentID string `json:"released_agent_id,omitempty"`
}

type IssueBlocked struct {
	Reason           string `json:"reason"`
	AgentBlocked     bool   `json:"agent_blocked"`
	AgentBlockReason string `json:"agent_block_reason,omitempty"`
}

type IssueUnblocked struct {
	AgentResumed bool `json:"agent_resumed"`
}

type IssueAssigned struct {
	IssueNumber         int    `json:"issue_number"`
	PreviousAgentStatus string `json:"previous_agent_status"`
}

type IssueUnassigned struct {
	IssueNumber int    `json:"issue_number"`
	AgentID     string `json:"agent_id"`
}

type IssueCompleted struct {
	From            string `json:"from"`
	ReleasedAgentID string `json:"released_agent_id,omitempty"`
}

// AgentStatusChanged records both registration (Registered=true) and every
// direct status change of an agent.
type AgentStatusChanged struct {
	Name            string `json:"name"`
	PreviousStatus  string `json:"previous_status,omitempty"`
	Status          string `json:"status"`
	CurrentIssueID  string `json:"current_issue_id,omitempty"`
	BlockReason     string `json:"block_reason,omitempty"`
	Registered      bool   `json:"registered,omitempty"`
	ReleasedIssueID string `json:"released_issue_id,omitempty"`
}

type SystemSnapshot struct {
	AgentsByStatus map[string]int `json:"agents_by_status"`
	IssuesByState  map[string]int `json:"issues_by_state"`
	CurrentSeq     int64          `json:"current_seq"`
}

type SystemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Alert severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type SystemAlert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (*IssueCreated) EventType() Type       { return TypeIssueCreated }
func (*IssueStateChanged) EventType() Type  { return TypeIssueStateChanged }
func (*IssueBlocked) EventType() Type       { return TypeIssueBlocked }
func (*IssueUnblocked) EventType() Type     { return TypeIssueUnblocked }
func (*IssueAssigned) EventType() Type      { return TypeIssueAssigned }
func (*IssueUnassigned) EventType() Type    { return TypeIssueUnassigned }
func (*IssueCompleted) EventType() Type     { return TypeIssueCompleted }
func (*AgentStatusChanged) EventType() Type { return TypeAgentStatusChanged }
func (*SystemSnapshot) EventType() Type     { return TypeSystemSnapshot }
func (*SystemError) EventType() Type        { return TypeSystemError }
func (*SystemAlert) EventType() Type        { return TypeSystemAlert }
