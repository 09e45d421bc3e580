package issue

import (
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestIssue_NewStartsInBacklog(t *testing.T) {
	i := New("issue-1", 1, "Test", "p1", t0)
	assert.Equal(t, StateBacklog, i.State)
	assert.Equal(t, PriorityMedium, i.Priority)
	require.NoError(t, i.Transition(StateAnalysis, t0))
	assert.Equal(t, StateAnalysis, i.State)
}

func TestIssue_BacklogToDoneRejected(t *testing.T) {
	i := New("issue-1", 1, "Test", "p1", t0)
	err := i.Transition(StateDone, t0)

	var te *fsm.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ElementsMatch(t, []string{"analysis", "cancelled"}, te.Valid)
	assert.Contains(t, err.Error(), "invalid transition")
	assert.Equal(t, StateBacklog, i.State)
}

func TestIssue_TerminalStates(t *testing.T) {
	assert.Empty(t, Transitions.Allowed(StateDone))
	assert.Equal(t, []State{StateBacklog}, Transitions.Allowed(StateCancelled))

	for _, st := range []State{StateBacklog, StateAnalysis, StateDevelopment, StateTesting, StateReview} {
		assert.True(t, Transitions.Can(st, StateCancelled), "%s should cancel", st)
	}
}

func TestIssue_ReworkEdges(t *testing.T) {
	edges := map[State]State{
		StateAnalysis:    StateBacklog,
		StateDevelopment: StateAnalysis,
		StateTesting:     StateDevelopment,
		StateReview:      StateDevelopment,
	}
	for from, to := range edges {
		assert.True(t, Transitions.Can(from, to), "%s -> %s", from, to)
	}
	assert.False(t, Transitions.Can(StateReview, StateTesting))
}

func TestIssue_DoneAndCancelledReleaseAgent(t *testing.T) {
	i := New("issue-1", 1, "Test", "p1", t0)
	i.State = StateReview
	i.AssignedAgentID = "agent-1"
	require.NoError(t, i.Transition(StateDone, t0.Add(time.Minute)))
	assert.Empty(t, i.AssignedAgentID)
	require.NotNil(t, i.CompletedAt)

	c := New("issue-2", 2, "Other", "p1", t0)
	c.State = StateDevelopment
	c.AssignedAgentID = "agent-2"
	require.NoError(t, c.Block("Waiting for vendor", t0))
	require.NoError(t, c.Transition(StateCancelled, t0))
	assert.Empty(t, c.AssignedAgentID)
	assert.False(t, c.IsBlocked)
	require.NoError(t, c.Transition(StateBacklog, t0))
	assert.Equal(t, StateBacklog, c.State)
}

func TestIssue_AdvanceAndRetreat(t *testing.T) {
	i := New("issue-1", 1, "Test", "p1", t0)
	for _, want := range []State{StateAnalysis, StateDevelopment, StateTesting, StateReview, StateDone} {
		require.NoError(t, i.Advance(t0))
		assert.Equal(t, want, i.State)
	}
	assert.ErrorIs(t, i.Advance(t0), ErrAtEnd)
	assert.ErrorIs(t, i.Retreat(t0), ErrAtEnd)

	j := New("issue-2", 2, "Test", "p1", t0)
	assert.ErrorIs(t, j.Retreat(t0), ErrAtEnd)
	j.State = StateReview
	require.NoError(t, j.Retreat(t0))
	assert.Equal(t, StateDevelopment, j.State)
}

func TestIssue_BlockUnblock(t *testing.T) {
	i := New("issue-1", 1, "Test", "p1", t0)
	assert.ErrorIs(t, i.Block("  ", t0), ErrReasonRequired)
	require.NoError(t, i.Block("Waiting for external API", t0))
	assert.True(t, i.IsBlocked)
	assert.Equal(t, "Waiting for external API", i.BlockReason)
	assert.ErrorIs(t, i.Block("again and again", t0), ErrAlreadyBlocked)

	require.NoError(t, i.Unblock(t0))
	assert.False(t, i.IsBlocked)
	assert.Empty(t, i.BlockReason)
	assert.ErrorIs(t, i.Unblock(t0), ErrNotBlocked)

	i.State = StateDone
	assert.ErrorIs(t, i.Block("too late now", t0), ErrTerminalBlocked)
}

func TestIssue_ColumnProjection(t *testing.T) {
	want := map[State]Column{
		StateBacklog:     ColumnBacklog,
		StateAnalysis:    ColumnInProgress,
		StateDevelopment: ColumnInProgress,
		StateTesting:     ColumnQA,
		StateReview:      ColumnQA,
		StateDone:        ColumnDone,
		StateCancelled:   ColumnArchived,
	}
	for st, col := range want {
		assert.Equal(t, col, ColumnFor(st), st)
	}
}

func TestParseStateAndPriority(t *testing.T) {
	st, ok := ParseState("DONE")
	assert.True(t, ok)
	assert.Equal(t, StateDone, st)
	_, ok = ParseState("limbo")
	assert.False(t, ok)

	p, ok := ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityMedium, p)
	_, ok = ParsePriority("urgent-ish")
	assert.False(t, ok)
}
