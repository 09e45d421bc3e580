package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAgent_TransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusWorking, true},
		{StatusIdle, StatusBlocked, false},
		{StatusIdle, StatusIdle, false},
		{StatusWorking, StatusIdle, true},
		{StatusWorking, StatusBlocked, true},
		{StatusWorking, StatusWorking, false},
		{StatusBlocked, StatusWorking, true},
		{StatusBlocked, StatusIdle, true},
		{StatusBlocked, StatusBlocked, false},
	}
	for _, tc := range cases {
		a := &Agent{Status: tc.from}
		assert.Equal(t, tc.ok, a.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestAgent_RejectedTransitionReportsContext(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	err := a.Transition(StatusBlocked, "Waiting for review", t0.Add(time.Second))

	var te *fsm.TransitionError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, fsm.ErrInvalidTransition))
	assert.Equal(t, "idle", te.From)
	assert.Equal(t, "blocked", te.To)
	assert.Equal(t, []string{"working"}, te.Valid)
	assert.Equal(t, StatusIdle, a.Status, "rejected transition must not mutate")
	assert.Equal(t, t0, a.UpdatedAt)
}

func TestAgent_WorkLifecycle(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	require.NoError(t, a.StartWork("issue-1", t0.Add(time.Second)))
	assert.Equal(t, StatusWorking, a.Status)
	assert.Equal(t, "issue-1", a.CurrentIssueID)
	assert.Equal(t, t0.Add(time.Second), a.LastActivity)

	require.NoError(t, a.Block("Waiting for external API", t0.Add(2*time.Second)))
	assert.Equal(t, StatusBlocked, a.Status)
	assert.Equal(t, "Waiting for external API", a.BlockReason)

	require.NoError(t, a.Unblock(t0.Add(3*time.Second)))
	assert.Equal(t, StatusWorking, a.Status)
	assert.Empty(t, a.BlockReason)
	assert.Equal(t, "issue-1", a.CurrentIssueID)

	require.NoError(t, a.FinishWork(t0.Add(4*time.Second)))
	assert.Equal(t, StatusIdle, a.Status)
	assert.Empty(t, a.CurrentIssueID)
}

func TestAgent_StartWorkRequiresIdle(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	require.NoError(t, a.StartWork("issue-1", t0))
	err := a.StartWork("issue-2", t0)
	require.Error(t, err)
	assert.Equal(t, "issue-1", a.CurrentIssueID)
}

func TestAgent_BlockRequiresReason(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	require.NoError(t, a.StartWork("issue-1", t0))
	err := a.Transition(StatusBlocked, "   ", t0)
	require.ErrorIs(t, err, ErrReasonRequired)
	assert.Equal(t, StatusWorking, a.Status)
	assert.Empty(t, a.BlockReason)
}

func TestAgent_WorkingRequiresIssue(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	err := a.Transition(StatusWorking, "", t0)
	require.ErrorIs(t, err, ErrNoIssue)
	assert.Equal(t, StatusIdle, a.Status)
}

func TestAgent_BlockedToIdleClearsEverything(t *testing.T) {
	a := New("agent-1", "Ada", "p1", t0)
	require.NoError(t, a.StartWork("issue-1", t0))
	require.NoError(t, a.Block("Waiting for external API", t0))
	require.NoError(t, a.Transition(StatusIdle, "", t0))
	assert.Empty(t, a.BlockReason)
	assert.Empty(t, a.CurrentIssueID)
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" Working ")
	assert.True(t, ok)
	assert.Equal(t, StatusWorking, st)
	_, ok = ParseStatus("asleep")
	assert.False(t, ok)
}
