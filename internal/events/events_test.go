package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter() (Sequencer, *int) {
	calls := 0
	var n int64
	return SequencerFunc(func(context.Context) (int64, error) {
		calls++
		n++
		return n, nil
	}), &calls
}

func TestFactory_CreatePopulatesEnvelope(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 5, time.FixedZone("x", 3600))
	f := NewFactory().WithClock(func() time.Time { return fixed })
	seq, calls := counter()

	env, err := f.Create(context.Background(), seq, "p1", &IssueCreated{Number: 1, Title: "Test", Priority: "medium", State: "backlog"}, WithIssue("issue-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, *calls, "sequencer must be called exactly once")
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, TypeIssueCreated, env.EventType)
	assert.Equal(t, "p1", env.ProjectID)
	assert.Equal(t, "issue-1", env.IssueID)
	assert.Empty(t, env.AgentID)
	assert.Equal(t, "2026-03-01T11:00:00.000000005Z", env.Timestamp)
	assert.Len(t, env.EventID, 36)
	assert.Empty(t, Validate(env))
}

func TestFactory_CreateUniqueIDs(t *testing.T) {
	f := NewFactory()
	seq, _ := counter()
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		env, err := f.Create(context.Background(), seq, "p1", &SystemAlert{Severity: SeverityInfo, Message: "x"})
		require.NoError(t, err)
		require.False(t, seen[env.EventID], "duplicate event id %s", env.EventID)
		seen[env.EventID] = true
	}
}

func TestFactory_CreateSequencerError(t *testing.T) {
	boom := errors.New("disk gone")
	seq := SequencerFunc(func(context.Context) (int64, error) { return 0, boom })
	_, err := NewFactory().Create(context.Background(), seq, "p1", &SystemAlert{})
	require.ErrorIs(t, err, boom)
}

func TestEnvelope_OmitsAbsentCorrelationIDs(t *testing.T) {
	seq, _ := counter()
	env, err := NewFactory().Create(context.Background(), seq, "p1", &SystemError{Code: "X", Message: "y"})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.NotContains(t, m, "agent_id")
	assert.NotContains(t, m, "issue_id")
	for _, k := range []string{"event_id", "event_type", "timestamp", "project_id", "seq", "payload"} {
		assert.Contains(t, m, k)
	}
}

func TestEnvelope_DecodeSelectsVariant(t *testing.T) {
	seq, _ := counter()
	env, err := NewFactory().Create(context.Background(), seq, "p1",
		&IssueBlocked{Reason: "Waiting for external API", AgentBlocked: true}, WithIssue("issue-1"), WithAgent("agent-1"))
	require.NoError(t, err)

	p, err := env.Decode()
	require.NoError(t, err)
	blocked, ok := p.(*IssueBlocked)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, "Waiting for external API", blocked.Reason)
	assert.True(t, blocked.AgentBlocked)

	env.EventType = "issue.exploded"
	_, err = env.Decode()
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	problems := Validate(Envelope{EventType: "nope", Timestamp: "yesterday", Payload: json.RawMessage(`null`)})
	assert.ElementsMatch(t, []string{"event_id", "event_type", "timestamp", "project_id", "seq", "payload"}, problems)

	problems = Validate(Envelope{
		EventID:   "e1",
		EventType: TypeSystemAlert,
		Timestamp: time.Now().UTC().Format(TimestampLayout),
		ProjectID: "p1",
		Seq:       3,
		Payload:   json.RawMessage(`[1,2]`),
	})
	assert.Equal(t, []string{"payload"}, problems)
}

func TestDeduper_RepeatedDeliveryIsNoop(t *testing.T) {
	d := NewDeduper(0)
	env := Envelope{EventID: "e-1", Seq: 1}
	applied := 0
	for i := 0; i < 3; i++ {
		if d.First(env) {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.True(t, d.First(Envelope{EventID: "e-2", Seq: 2}))
	assert.Equal(t, int64(2), d.HighSeq())
}

func TestDeduper_WindowEvictsOldIDs(t *testing.T) {
	d := NewDeduper(2)
	for i := int64(1); i <= 5; i++ {
		require.True(t, d.First(Envelope{EventID: string(rune('a' + i)), Seq: i}))
	}
	// seq 2 is below the window but still reported as a duplicate.
	assert.False(t, d.First(Envelope{EventID: "replayed", Seq: 2}))
	assert.LessOrEqual(t, len(d.seen), 3)
}
