// Package tui renders the live event stream for terminal output.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-fleet/internal/events"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	issueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// Feed turns envelopes into one display line each. Envelopes seen before
// (a replay overlapping the live stream) are skipped.
type Feed struct {
	mu      sync.Mutex
	styled  bool
	dedup   *events.Deduper
	shown   int
	skipped int
}

// NewFeed returns a feed; styled selects ANSI colors.
func NewFeed(styled bool) *Feed {
	return &Feed{styled: styled, dedup: events.NewDeduper(4096)}
}

// Add renders env. ok is false for a duplicate.
func (f *Feed) Add(env events.Envelope) (line string, ok bool) {
	if !f.dedup.First(env) {
		f.mu.Lock()
		f.skipped++
		f.mu.Unlock()
		return "", false
	}
	f.mu.Lock()
	f.shown++
	f.mu.Unlock()
	return f.render(env), true
}

// HighSeq is the highest seq shown; resume with replay_events from here.
func (f *Feed) HighSeq() int64 { return f.dedup.HighSeq() }

// Summary reports how many envelopes were shown and skipped.
func (f *Feed) Summary() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := fmt.Sprintf("── %d events (last seq %d", f.shown, f.dedup.HighSeq())
	if f.skipped > 0 {
		s += fmt.Sprintf(", %d duplicates skipped", f.skipped)
	}
	s += ") ──"
	if f.styled {
		return dimStyle.Render(s)
	}
	return s
}

func (f *Feed) render(env events.Envelope) string {
	ts := env.Timestamp
	if t, err := env.Time(); err == nil {
		ts = t.Format("15:04:05.000")
	}
	head := fmt.Sprintf("%6d %s %-8s", env.Seq, ts, env.ProjectID)
	kind := fmt.Sprintf("%-22s", env.EventType)
	body := Describe(env)
	if !f.styled {
		return head + " " + kind + " " + body
	}
	return dimStyle.Render(head) + " " + styleFor(env).Render(kind) + " " + itemStyle.Render(body)
}

func styleFor(env events.Envelope) lipgloss.Style {
	switch env.EventType {
	case events.TypeSystemError:
		return errStyle
	case events.TypeSystemAlert:
		if p, err := env.Decode(); err == nil && p.(*events.SystemAlert).Severity != events.SeverityInfo {
			return warnStyle
		}
		return systemStyle
	case events.TypeSystemSnapshot:
		return systemStyle
	case events.TypeAgentStatusChanged:
		return agentStyle
	default:
		return issueStyle
	}
}

// Describe summarizes the payload of env in one line.
func Describe(env events.Envelope) string {
	p, err := env.Decode()
	if err != nil {
		return "undecodable payload: " + err.Error()
	}
	switch p := p.(type) {
	case *events.IssueCreated:
		return fmt.Sprintf("#%d %q (%s, %s)", p.Number, p.Title, p.Priority, p.State)
	case *events.IssueStateChanged:
		s := fmt.Sprintf("%s %s → %s", env.IssueID, p.From, p.To)
		if p.ReleasedAgentID != "" {
			s += ", released " + p.ReleasedAgentID
		}
		return s
	case *events.IssueBlocked:
		s := fmt.Sprintf("%s blocked: %s", env.IssueID, p.Reason)
		if p.AgentBlocked {
			s += fmt.Sprintf(" (agent %s blocked)", env.AgentID)
		}
		return s
	case *events.IssueUnblocked:
		s := env.IssueID + " unblocked"
		if p.AgentResumed {
			s += fmt.Sprintf(" (agent %s resumed)", env.AgentID)
		}
		return s
	case *events.IssueAssigned:
		return fmt.Sprintf("#%d → %s (was %s)", p.IssueNumber, env.AgentID, p.PreviousAgentStatus)
	case *events.IssueUnassigned:
		return fmt.Sprintf("#%d released by %s", p.IssueNumber, p.AgentID)
	case *events.IssueCompleted:
		return fmt.Sprintf("%s done from %s", env.IssueID, p.From)
	case *events.AgentStatusChanged:
		if p.Registered {
			return fmt.Sprintf("%s %q registered (%s)", env.AgentID, p.Name, p.Status)
		}
		s := fmt.Sprintf("%s %s → %s", env.AgentID, p.PreviousStatus, p.Status)
		if p.BlockReason != "" {
			s += ": " + p.BlockReason
		}
		return s
	case *events.SystemSnapshot:
		return fmt.Sprintf("agents %s, issues %s", counts(p.AgentsByStatus), counts(p.IssuesByState))
	case *events.SystemError:
		return fmt.Sprintf("[%s] %s", p.Code, p.Message)
	case *events.SystemAlert:
		return fmt.Sprintf("[%s] %s", p.Severity, p.Message)
	}
	return ""
}

func counts(m map[string]int) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
