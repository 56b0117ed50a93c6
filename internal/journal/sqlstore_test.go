// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

func TestAppendWritesOneRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store := NewSQLStore(db, false)
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO journal_entries").
		WithArgs("env-1", "openai", "reflection", "high", "hello", false, int64(120), created).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Append(context.Background(), Entry{
		EnvelopeID:  "env-1",
		Provider:    "openai",
		TaskProfile: "reflection",
		Priority:    "high",
		Content:     "hello",
		Latency:     120 * time.Millisecond,
		CreatedAt:   created,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestRecentScansRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store := NewSQLStore(db, false)
	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"envelope_id", "provider", "task_profile", "priority", "content", "degraded", "latency_ms", "created_at"}).
		AddRow("env-2", "", "", "medium", "degraded text", true, int64(5), now).
		AddRow("env-1", "openai", "summary", "high", "ok", false, int64(300), now)

	mock.ExpectQuery("SELECT (.+) FROM journal_entries ORDER BY id DESC").
		WithArgs(2).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Degraded || entries[0].Provider != "" {
		t.Fatalf("first entry mismatch: %+v", entries[0])
	}
	if entries[1].Latency != 300*time.Millisecond {
		t.Fatalf("latency not restored: %v", entries[1].Latency)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestWriterPersistsTerminalEvents(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO journal_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	events := bus.New()
	defer events.Shutdown()
	w := NewWriter(NewSQLStore(db, false), events)
	defer w.Detach()

	res := &core.Result{
		EnvelopeID: "env-3",
		Provider:   "anthropic",
		Content:    "persisted",
		Latency:    50 * time.Millisecond,
		FinishedAt: time.Now(),
	}
	events.Publish(bus.NewEvent(bus.TopicRequestCompleted).
		WithProvider("anthropic").
		WithEnvelope("env-3").
		Set("priority", "medium").
		Set("task_profile", "chat").
		Set("result", res))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
