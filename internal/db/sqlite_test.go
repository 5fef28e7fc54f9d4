package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Conversations ────────────────────────────────────────────────────────────

func TestConversationAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.AppendMessages(ctx, "chat-1",
			&MessageRecord{Role: "user", Content: fmt.Sprintf("q%d", i)},
			&MessageRecord{Role: "assistant", Content: fmt.Sprintf("a%d", i), Metadata: `{"confidence":0.8}`},
		)
		if err != nil {
			t.Fatalf("AppendMessages: %v", err)
		}
	}

	conv, err := s.GetConversation(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ID != "chat-1" {
		t.Errorf("expected conversation chat-1, got %s", conv.ID)
	}

	msgs, err := s.RecentMessages(ctx, "chat-1", 4)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	want := []string{"q1", "a1", "q2", "a2"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], m.Content)
		}
	}
	if msgs[0].Metadata != "{}" {
		t.Errorf("expected default metadata, got %q", msgs[0].Metadata)
	}
}

func TestConversationSaveAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Round(time.Second)

	rec := &ConversationRecord{ID: "chat-2", ServiceID: "svc-1", Title: "cpu", CreatedAt: now, UpdatedAt: now}
	if err := s.SaveConversation(ctx, rec); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if err := s.AppendMessages(ctx, "chat-2", &MessageRecord{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := s.GetConversation(ctx, "chat-2")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ServiceID != "svc-1" || got.Title != "cpu" {
		t.Errorf("unexpected conversation %+v", got)
	}

	if err := s.DeleteConversation(ctx, "chat-2"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, "chat-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "chat-2", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected messages to cascade, got %d", len(msgs))
	}
}

// ─── Reasoning sessions ───────────────────────────────────────────────────────

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Round(time.Second)

	for i := 0; i < 3; i++ {
		rec := &SessionRecord{
			ID:            fmt.Sprintf("req-%d", i),
			CorrelationID: "corr-shared",
			SessionID:     "chat-1",
			Query:         "how is cpu",
			RequestType:   "monitoring",
			Status:        "completed",
			FinalPhase:    "done",
			Answer:        "fine",
			Confidence:    0.8,
			Trace:         `{"total_steps":4}`,
			DurationMs:    120,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	if err := s.SaveSession(ctx, &SessionRecord{ID: "other", SessionID: "chat-2", Query: "x", CreatedAt: base}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Confidence != 0.8 || got.Trace != `{"total_steps":4}` || got.CorrelationID != "corr-shared" {
		t.Errorf("unexpected session %+v", got)
	}
	if !got.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("expected created_at %v, got %v", base.Add(time.Second), got.CreatedAt)
	}

	list, err := s.ListSessions(ctx, "chat-1", 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 3 || list[0].ID != "req-2" {
		t.Errorf("expected 3 sessions newest first, got %d", len(list))
	}

	all, err := s.ListSessions(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 sessions, got %d", len(all))
	}

	// Upsert
	got.Status = "partial"
	if err := s.SaveSession(ctx, got); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, _ = s.GetSession(ctx, "req-1")
	if got.Status != "partial" {
		t.Errorf("expected status partial, got %s", got.Status)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/reasoner.db"

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.AppendMessages(context.Background(), "c", &MessageRecord{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	_ = s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	msgs, err := s2.RecentMessages(context.Background(), "c", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected persisted message, got %d (%v)", len(msgs), err)
	}
	if err := s2.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{
		"2026-01-02T03:04:05Z",
		"2026-01-02 03:04:05",
		"2026-01-02 03:04:05.123456789 +0000 UTC",
	} {
		if _, err := parseTime(in); err != nil {
			t.Errorf("parseTime(%q): %v", in, err)
		}
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("expected error for unparseable time")
	}
}
