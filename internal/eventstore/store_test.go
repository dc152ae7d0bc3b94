package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/loqalabs/loqa-voicecommand/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "x"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "loqa-voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "command.detected", Command: "Hello", Confidence: 0.9}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Command != "Hello" || events[0].Confidence < 0.89 || events[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Runtime != "loqa-voice" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestJournalRecordsTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	journal := NewJournal(es, "kitchen", "session", newLogger())

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	timeline := []session.Event{
		{SessionID: "s-1", Type: session.EventSessionStarted, Time: base},
		{SessionID: "s-1", Type: session.EventCommandDetected, Command: "Hello", Time: base.Add(time.Second)},
		{SessionID: "s-1", Type: session.EventStreamRestarted, Detail: "final", Time: base.Add(2 * time.Second)},
		{SessionID: "s-1", Type: session.EventCommandDetected, Command: "Hello", Time: base.Add(3 * time.Second)},
		{SessionID: "s-1", Type: session.EventCommandDetected, Command: "How are you", Confidence: 0.85, Time: base.Add(4 * time.Second)},
		{SessionID: "s-1", Type: session.EventSessionStopped, Time: base.Add(5 * time.Second)},
	}
	for _, evt := range timeline {
		journal.Record(ctx, evt)
	}

	events, err := es.ListSessionEvents(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(timeline) {
		t.Fatalf("expected %d events, got %d", len(timeline), len(events))
	}
	for i, e := range events {
		if e.Type != string(timeline[i].Type) {
			t.Fatalf("event %d: expected %s, got %s", i, timeline[i].Type, e.Type)
		}
	}
	if events[2].Detail != "final" {
		t.Fatalf("expected restart reason recorded, got %q", events[2].Detail)
	}

	counts, err := es.CommandCounts(ctx)
	if err != nil {
		t.Fatalf("command counts: %v", err)
	}
	if counts["Hello"] != 2 || counts["How are you"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestJournalRecordsFailureBeforeStart(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	journal := NewJournal(es, "kitchen", "session", newLogger())

	journal.Record(context.Background(), session.Event{
		SessionID: "s-denied",
		Type:      session.EventSessionFailed,
		Detail:    session.ErrAuthorizationDenied.String(),
	})

	events, err := es.ListSessionEvents(context.Background(), "s-denied", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Detail != "authorization_denied" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "loqa-voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "session.started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "loqa-voice", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("expected only the new session to remain, got %+v", sessions)
	}
}
