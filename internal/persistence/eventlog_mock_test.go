package persistence_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/persistence"
)

func TestAppendWith_InsertFailureRollsBackCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := persistence.NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE event_sequence SET value = value + 1")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = store.AppendWith(context.Background(), alertBuilder("boom"))
	if err == nil {
		t.Fatal("expected insert failure to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendWith_CommitsCounterAndRecordTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := persistence.NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE event_sequence SET value = value + 1")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(int64(7), sqlmock.AnyArg(), string(events.TypeSystemAlert), sqlmock.AnyArg(), "p1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	env, err := store.AppendWith(context.Background(), alertBuilder("ok"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if env.Seq != 7 {
		t.Fatalf("expected seq 7, got %d", env.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendWith_CounterFailureAppendsNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := persistence.NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE event_sequence")).
		WillReturnError(errors.New("no such table: event_sequence"))
	mock.ExpectRollback()

	if _, err := store.AppendWith(context.Background(), alertBuilder("never")); err == nil {
		t.Fatal("expected counter failure to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
