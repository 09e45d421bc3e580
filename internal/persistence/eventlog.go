package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-fleet/internal/events"
)

// DefaultReplayLimit caps EventsSince when the caller passes no limit.
const DefaultReplayLimit = 1000

var (
	ErrNotFound        = errors.New("event not found")
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrSeqNotAssigned  = errors.New("envelope seq was not assigned by this log")
)

// InvalidEnvelopeError lists the envelope fields that failed validation.
type InvalidEnvelopeError struct {
	Fields []string
}

func (e *InvalidEnvelopeError) Error() string {
	return "invalid envelope: " + strings.Join(e.Fields, ", ")
}

func (e *InvalidEnvelopeError) Is(target error) bool { return target == ErrInvalidEnvelope }

// BuildFunc builds the envelope to append. It must draw its seq from the
// sequencer it is handed, exactly once. It may be invoked again when SQLite
// reports contention, so it must not have side effects.
type BuildFunc func(ctx context.Context, seq events.Sequencer) (events.Envelope, error)

const nextSeqSQL = `UPDATE event_sequence SET value = value + 1 WHERE id = 1 RETURNING value;`

const insertEventSQL = `
	INSERT INTO events (seq, event_id, event_type, timestamp, project_id, agent_id, issue_id, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

const selectEventCols = `SELECT seq, event_id, event_type, timestamp, project_id, COALESCE(agent_id, ''), COALESCE(issue_id, ''), payload FROM events`

// NextSeq atomically increments and returns the persisted counter. A value
// handed out here and never appended shows up as a gap; mutation paths use
// AppendWith instead.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, nextSeqSQL).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return n, nil
}

// CurrentSeq returns the latest assigned sequence number without
// incrementing it.
func (s *Store) CurrentSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM event_sequence WHERE id = 1;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("current seq: %w", err)
	}
	return n, nil
}

// Append persists an envelope built elsewhere. Its seq must already have been
// handed out by NextSeq.
func (s *Store) Append(ctx context.Context, env events.Envelope) error {
	if problems := events.Validate(env); len(problems) > 0 {
		return &InvalidEnvelopeError{Fields: problems}
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current int64
		if err := tx.QueryRowContext(ctx, `SELECT value FROM event_sequence WHERE id = 1;`).Scan(&current); err != nil {
			return fmt.Errorf("read seq: %w", err)
		}
		if env.Seq > current {
			return fmt.Errorf("append seq %d (counter %d): %w", env.Seq, current, ErrSeqNotAssigned)
		}
		if err := insertEnvelope(ctx, tx, env); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		return nil
	})
}

// AppendWith is the mutation path: the counter increment, the build and the
// insert run in one transaction, so a failure at any step leaves neither a
// record nor a consumed sequence number.
func (s *Store) AppendWith(ctx context.Context, build BuildFunc) (events.Envelope, error) {
	var out events.Envelope
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		seq := &txSequencer{tx: tx}
		env, err := build(ctx, seq)
		if err != nil {
			return err
		}
		if seq.calls != 1 || env.Seq != seq.last {
			return fmt.Errorf("append seq %d: %w", env.Seq, ErrSeqNotAssigned)
		}
		if problems := events.Validate(env); len(problems) > 0 {
			return &InvalidEnvelopeError{Fields: problems}
		}
		if err := insertEnvelope(ctx, tx, env); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}
		out = env
		return nil
	})
	if err != nil {
		return events.Envelope{}, err
	}
	return out, nil
}

type txSequencer struct {
	tx    *sql.Tx
	calls int
	last  int64
}

func (q *txSequencer) NextSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := q.tx.QueryRowContext(ctx, nextSeqSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	q.calls++
	q.last = n
	return n, nil
}

func insertEnvelope(ctx context.Context, tx *sql.Tx, env events.Envelope) error {
	_, err := tx.ExecContext(ctx, insertEventSQL,
		env.Seq,
		env.EventID,
		string(env.EventType),
		env.Timestamp,
		env.ProjectID,
		nullable(env.AgentID),
		nullable(env.IssueID),
		string(env.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert event seq=%d: %w", env.Seq, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// EventsSince returns every envelope with seq > since, ascending, capped at
// limit (DefaultReplayLimit when limit <= 0).
func (s *Store) EventsSince(ctx context.Context, since int64, limit int) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	rows, err := s.db.QueryContext(ctx, selectEventCols+` WHERE seq > ? ORDER BY seq ASC LIMIT ?;`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("events since %d: %w", since, err)
	}
	return collect(rows)
}

// EventByID looks up one envelope by its event id.
func (s *Store) EventByID(ctx context.Context, eventID string) (events.Envelope, error) {
	row := s.db.QueryRowContext(ctx, selectEventCols+` WHERE event_id = ?;`, eventID)
	env, err := scanEnvelope(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Envelope{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return events.Envelope{}, fmt.Errorf("event %s: %w", eventID, err)
	}
	return env, nil
}

// EventsByType returns the most recent envelopes of type t, newest first.
func (s *Store) EventsByType(ctx context.Context, t events.Type, limit int) ([]events.Envelope, error) {
	return s.lookup(ctx, "event_type", string(t), limit)
}

// EventsByAgent returns the most recent envelopes correlated with agentID.
func (s *Store) EventsByAgent(ctx context.Context, agentID string, limit int) ([]events.Envelope, error) {
	return s.lookup(ctx, "agent_id", agentID, limit)
}

// EventsByIssue returns the most recent envelopes correlated with issueID.
func (s *Store) EventsByIssue(ctx context.Context, issueID string, limit int) ([]events.Envelope, error) {
	return s.lookup(ctx, "issue_id", issueID, limit)
}

func (s *Store) lookup(ctx context.Context, column, value string, limit int) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	// column is one of a fixed set chosen above, never caller input.
	rows, err := s.db.QueryContext(ctx, selectEventCols+` WHERE `+column+` = ? ORDER BY seq DESC LIMIT ?;`, value, limit)
	if err != nil {
		return nil, fmt.Errorf("events by %s: %w", column, err)
	}
	return collect(rows)
}

// AllEvents streams the whole log in seq order. fn must not use the store:
// the single connection is held until the scan ends.
func (s *Store) AllEvents(ctx context.Context, fn func(events.Envelope) error) error {
	rows, err := s.db.QueryContext(ctx, selectEventCols+` ORDER BY seq ASC;`)
	if err != nil {
		return fmt.Errorf("scan log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		env, err := scanEnvelope(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan log rows: %w", err)
	}
	return nil
}

// CountByType returns the number of stored envelopes per event type.
func (s *Store) CountByType(ctx context.Context) (map[events.Type]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type;`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := make(map[events.Type]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[events.Type(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event count rows: %w", err)
	}
	return out, nil
}

// SequenceReport describes the health of the no-gap invariant.
type SequenceReport struct {
	Counter int64 `json:"counter"`
	MaxSeq  int64 `json:"max_seq"`
	Count   int64 `json:"count"`
	Gaps    int64 `json:"gaps"`
}

// OK reports whether every assigned seq has exactly one record.
func (r SequenceReport) OK() bool {
	return r.Gaps == 0 && r.Counter == r.MaxSeq
}

// CheckSequence compares the counter with the stored records.
func (s *Store) CheckSequence(ctx context.Context) (SequenceReport, error) {
	var r SequenceReport
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT value FROM event_sequence WHERE id = 1),
			COALESCE(MAX(seq), 0),
			COUNT(*)
		FROM events;
	`).Scan(&r.Counter, &r.MaxSeq, &r.Count)
	if err != nil {
		return r, fmt.Errorf("check sequence: %w", err)
	}
	r.Gaps = r.MaxSeq - r.Count
	return r, nil
}

func collect(rows *sql.Rows) ([]events.Envelope, error) {
	defer rows.Close()
	var out []events.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func scanEnvelope(scanFn func(dest ...any) error) (events.Envelope, error) {
	var (
		env       events.Envelope
		eventType string
		payload   string
	)
	if err := scanFn(
		&env.Seq,
		&env.EventID,
		&eventType,
		&env.Timestamp,
		&env.ProjectID,
		&env.AgentID,
		&env.IssueID,
		&payload,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return env, err
		}
		return env, fmt.Errorf("scan event: %w", err)
	}
	env.EventType = events.Type(eventType)
	env.Payload = json.RawMessage(payload)
	return env, nil
}
