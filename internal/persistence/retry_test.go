package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("no such table: events"), false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"wrapped driver busy", fmt.Errorf("append: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"locked text", errors.New("next seq: database is locked"), true},
		{"table locked text", errors.New("database table is locked"), true},
		{"busy code text", errors.New("SQLITE_BUSY"), true},
		{"seq text with digits", errors.New("seq (5) ahead of counter (6)"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.expect {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
			}
		})
	}
}

// countingOp fails with the given errors in order, then succeeds.
type countingOp struct {
	calls int
	errs  []error
}

func (o *countingOp) run() error {
	o.calls++
	if o.calls <= len(o.errs) {
		return o.errs[o.calls-1]
	}
	return nil
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	hard := errors.New("disk I/O error")

	tests := []struct {
		name      string
		retries   int
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{"first try", 3, nil, nil, 1},
		{"non busy is not retried", 3, []error{hard}, hard, 1},
		{"busy then success", 3, []error{busy, busy}, nil, 3},
		{"busy then hard error", 3, []error{busy, hard}, hard, 2},
		{"retries exhausted", 2, []error{busy, busy, busy, busy}, busy, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &countingOp{errs: tt.errs}
			err := retryOnBusy(context.Background(), tt.retries, op.run)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if op.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", op.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", calls)
	}
}
