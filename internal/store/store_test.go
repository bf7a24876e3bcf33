package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/ragent/internal/conversation"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// toolTurn returns a session with one complete tool-calling turn.
func toolTurn(id string) *conversation.Session {
	sess := conversation.NewSession(id, "be helpful")
	call := conversation.ToolCall{ID: "call_1", Name: "search_documents", Arguments: `{"query":"x"}`}
	sess.Transcript = append(sess.Transcript,
		conversation.HumanMessage("what is x?"),
		conversation.AssistantMessage("", call),
		conversation.ToolResultMessage(call, "Document 1:\nx is y"),
		conversation.AssistantMessage("x is y [1]"),
	)
	return sess
}

func Test_Store_LoadMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, conversation.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
}

func Test_Store_SaveAndLoadRoundTripsToolCalls(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := toolTurn("s1")
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Transcript) != len(want.Transcript) {
		t.Fatalf("want %d messages, got %d", len(want.Transcript), len(got.Transcript))
	}
	if err := conversation.ValidateTranscript(got.Transcript); err != nil {
		t.Errorf("loaded transcript is invalid: %v", err)
	}
	call := got.Transcript[2].ToolCalls
	if len(call) != 1 || call[0].ID != "call_1" || call[0].Arguments != `{"query":"x"}` {
		t.Errorf("tool calls not round-tripped: %+v", call)
	}
	if r := got.Transcript[3]; r.ToolCallID != "call_1" || r.ToolName != "search_documents" {
		t.Errorf("tool result linkage lost: %+v", r)
	}
	if !got.CreatedAt.Equal(want.CreatedAt.Truncate(time.Millisecond)) {
		t.Errorf("created_at: got %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func Test_Store_SaveAppendsOnlyNewMessages(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sess := toolTurn("s2")
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("first save: %v", err)
	}
	// Saving the same transcript again is a no-op.
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("repeat save: %v", err)
	}

	sess.Transcript = append(sess.Transcript,
		conversation.HumanMessage("and z?"),
		conversation.AssistantMessage("z is w"),
	)
	sess.UpdatedAt = sess.UpdatedAt.Add(time.Minute)
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.Load(ctx, "s2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Transcript) != 7 {
		t.Fatalf("want 7 messages, got %d", len(got.Transcript))
	}
	if got.Transcript[6].Content != "z is w" {
		t.Errorf("last message: got %q", got.Transcript[6].Content)
	}
	if !got.UpdatedAt.Equal(sess.UpdatedAt.Truncate(time.Millisecond)) {
		t.Errorf("updated_at not refreshed: %v", got.UpdatedAt)
	}
}

func Test_Store_SaveRejectsShrunkTranscript(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sess := toolTurn("s3")
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.Transcript = sess.Transcript[:2]
	if err := s.Save(ctx, sess); !errors.Is(err, ErrTranscriptShrunk) {
		t.Errorf("want ErrTranscriptShrunk, got %v", err)
	}
}

func Test_Store_SaveRejectsDivergedTranscript(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, toolTurn("s4")); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Two shells load the same session and each run a turn.
	first, err := s.Load(ctx, "s4")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := s.Load(ctx, "s4")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first.Transcript = append(first.Transcript,
		conversation.HumanMessage("and z?"), conversation.AssistantMessage("z is w"))
	second.Transcript = append(second.Transcript,
		conversation.HumanMessage("what about q?"), conversation.AssistantMessage("q is r"),
		conversation.HumanMessage("thanks"), conversation.AssistantMessage("welcome"))

	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(ctx, second); !errors.Is(err, ErrTranscriptConflict) {
		t.Fatalf("second save: want ErrTranscriptConflict, got %v", err)
	}

	got, err := s.Load(ctx, "s4")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(got.Transcript); n != len(first.Transcript) {
		t.Fatalf("want %d messages after rejected save, got %d", len(first.Transcript), n)
	}
	if last := got.Transcript[len(got.Transcript)-1].Content; last != "z is w" {
		t.Errorf("last message: got %q", last)
	}

	// Saving an unchanged reload is not a conflict.
	if err := s.Save(ctx, got); err != nil {
		t.Errorf("resave after reload: %v", err)
	}
}

func Test_Store_ListAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	older := toolTurn("older")
	newer := conversation.NewSession("newer", "")
	newer.Transcript = []conversation.Message{
		conversation.HumanMessage(strings.Repeat("long question ", 10)),
		conversation.AssistantMessage("ok"),
	}
	newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)
	for _, sess := range []*conversation.Session{older, newer} {
		if err := s.Save(ctx, sess); err != nil {
			t.Fatalf("save %s: %v", sess.ID, err)
		}
	}

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "newer" || list[1].ID != "older" {
		t.Fatalf("want [newer older], got %+v", list)
	}
	if list[1].Messages != 5 || list[1].Preview != "what is x?" {
		t.Errorf("older summary: %+v", list[1])
	}
	if !strings.HasSuffix(list[0].Preview, "...") || len([]rune(list[0].Preview)) != previewRunes+3 {
		t.Errorf("preview not truncated: %q", list[0].Preview)
	}

	limited, err := s.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("limit 1: got %d sessions, err %v", len(limited), err)
	}

	if err := s.Delete(ctx, "older"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "older"); !errors.Is(err, conversation.ErrSessionNotFound) {
		t.Errorf("deleted session still loads: %v", err)
	}
	if err := s.Delete(ctx, "older"); !errors.Is(err, conversation.ErrSessionNotFound) {
		t.Errorf("second delete: want ErrSessionNotFound, got %v", err)
	}
}

func Test_Store_WithController(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ctrl, err := conversation.NewController(conversation.Config{
		Invoker:      echoInvoker{},
		Store:        s,
		SystemPrompt: "sys",
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	for _, q := range []string{"one", "two"} {
		if _, err := ctrl.Advance(ctx, "shared", q); err != nil {
			t.Fatalf("advance %q: %v", q, err)
		}
	}

	got, err := s.Load(ctx, "shared")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Transcript) != 5 || got.Transcript[4].Content != "echo: two" {
		t.Errorf("transcript: %+v", got.Transcript)
	}
}

// echoInvoker answers every turn by echoing the last human message.
type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, msgs []conversation.Message) (conversation.Message, error) {
	return conversation.AssistantMessage("echo: " + msgs[len(msgs)-1].Content), nil
}
