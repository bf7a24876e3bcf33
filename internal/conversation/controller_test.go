package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedInvoker replies with the next message from script on each call and
// records the transcript length it was handed.
type scriptedInvoker struct {
	mu      sync.Mutex
	script  []Message
	calls   int
	lengths []int
	err     error
}

func (s *scriptedInvoker) Invoke(_ context.Context, transcript []Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lengths = append(s.lengths, len(transcript))
	if s.err != nil {
		return Message{}, s.err
	}
	if s.calls >= len(s.script) {
		return Message{}, fmt.Errorf("script exhausted after %d calls", s.calls)
	}
	m := s.script[s.calls]
	s.calls++
	return m, nil
}

// alwaysToolInvoker requests a search on every call.
type alwaysToolInvoker struct {
	calls atomic.Int32
}

func (a *alwaysToolInvoker) Invoke(context.Context, []Message) (Message, error) {
	n := a.calls.Add(1)
	return AssistantMessage("", searchCall(fmt.Sprintf("call-%d", n), "again")), nil
}

// echoTool returns "result:<query>". A per-query delay lets tests force a
// completion order that differs from request order.
type echoTool struct {
	name   string
	delays map[string]time.Duration
	calls  atomic.Int32
	err    error
}

func (e *echoTool) Schema() ToolSchema {
	return ToolSchema{
		Name:        e.toolName(),
		Description: "echoes the query",
		Params:      map[string]ParamSchema{"query": {Type: ParamString, Required: true}},
	}
}

func (e *echoTool) toolName() string {
	if e.name == "" {
		return "search_documents"
	}
	return e.name
}

func (e *echoTool) Call(ctx context.Context, arguments string) (string, error) {
	e.calls.Add(1)
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Query == "" {
		return "", fmt.Errorf("%w: want {\"query\": string}", ErrInvalidArguments)
	}
	if d := e.delays[args.Query]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.err != nil {
		return "", e.err
	}
	return "result:" + args.Query, nil
}

func searchCall(id, query string) ToolCall {
	return ToolCall{ID: id, Name: "search_documents", Arguments: fmt.Sprintf(`{"query":%q}`, query)}
}

func newTestController(t *testing.T, inv ModelInvoker, tools ...Tool) *Controller {
	t.Helper()
	c, err := NewController(Config{Invoker: inv, Tools: tools, SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func Test_Run_DirectAnswer(t *testing.T) {
	t.Parallel()
	inv := &scriptedInvoker{script: []Message{AssistantMessage("hello there")}}
	tool := &echoTool{}
	c := newTestController(t, inv, tool)
	sess := NewSession("s1", "sys")

	reply, err := c.Run(context.Background(), sess, HumanMessage("hi"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reply.Content != "hello there" || reply.Role != RoleAssistant {
		t.Errorf("reply: got %s/%q", reply.Role, reply.Content)
	}
	if len(sess.Transcript) != 3 {
		t.Fatalf("want 3 messages, got %d", len(sess.Transcript))
	}
	if tool.calls.Load() != 0 {
		t.Errorf("tool called %d times without a request", tool.calls.Load())
	}
}

func Test_Run_TranscriptGrowth(t *testing.T) {
	t.Parallel()
	for rounds := range 4 {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) {
			t.Parallel()
			var script []Message
			for i := range rounds {
				script = append(script, AssistantMessage("", searchCall(fmt.Sprintf("c%d", i), "q")))
			}
			script = append(script, AssistantMessage("done"))
			c := newTestController(t, &scriptedInvoker{script: script}, &echoTool{})
			sess := NewSession("s", "sys")
			before := len(sess.Transcript)

			if _, err := c.Run(context.Background(), sess, HumanMessage("q")); err != nil {
				t.Fatalf("run: %v", err)
			}
			// human + final answer, plus one call message and one result per round.
			want := before + 2 + 2*rounds
			if got := len(sess.Transcript); got != want {
				t.Errorf("transcript length: want %d, got %d", want, got)
			}
			if err := ValidateTranscript(sess.Transcript); err != nil {
				t.Errorf("validate: %v", err)
			}
		})
	}
}

func Test_Run_InvokerSeesFullTranscript(t *testing.T) {
	t.Parallel()
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("", searchCall("a", "x")),
		AssistantMessage("answer"),
	}}
	c := newTestController(t, inv, &echoTool{})
	sess := NewSession("s", "sys")

	if _, err := c.Run(context.Background(), sess, HumanMessage("q")); err != nil {
		t.Fatalf("run: %v", err)
	}
	// sys+human, then sys+human+call+result.
	if len(inv.lengths) != 2 || inv.lengths[0] != 2 || inv.lengths[1] != 4 {
		t.Errorf("invoker transcript lengths: got %v", inv.lengths)
	}
}

func Test_Run_ParallelCallsKeepRequestOrder(t *testing.T) {
	t.Parallel()
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("",
			searchCall("id-1", "slow"),
			searchCall("id-2", "medium"),
			searchCall("id-3", "fast"),
		),
		AssistantMessage("combined"),
	}}
	tool := &echoTool{delays: map[string]time.Duration{
		"slow":   60 * time.Millisecond,
		"medium": 30 * time.Millisecond,
	}}
	c := newTestController(t, inv, tool)
	sess := NewSession("s", "sys")

	if _, err := c.Run(context.Background(), sess, HumanMessage("q")); err != nil {
		t.Fatalf("run: %v", err)
	}

	// sys, human, call message, three results, final.
	if len(sess.Transcript) != 7 {
		t.Fatalf("want 7 messages, got %d", len(sess.Transcript))
	}
	wantIDs := []string{"id-1", "id-2", "id-3"}
	wantContent := []string{"result:slow", "result:medium", "result:fast"}
	for i, m := range sess.Transcript[3:6] {
		if m.Role != RoleTool {
			t.Errorf("msg %d: want tool role, got %s", i, m.Role)
		}
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("msg %d: want call id %s, got %s", i, wantIDs[i], m.ToolCallID)
		}
		if m.Content != wantContent[i] {
			t.Errorf("msg %d: want %q, got %q", i, wantContent[i], m.Content)
		}
	}
}

func Test_Run_ToolLoopExceeded(t *testing.T) {
	t.Parallel()
	inv := &alwaysToolInvoker{}
	c, err := NewController(Config{Invoker: inv, Tools: []Tool{&echoTool{}}, MaxRounds: 3})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	sess := NewSession("s", "sys")

	_, err = c.Run(context.Background(), sess, HumanMessage("loop"))
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("want ErrToolLoopExceeded, got %v", err)
	}
	if got := inv.calls.Load(); got != 4 {
		t.Errorf("want 4 model calls (3 rounds + refused 4th), got %d", got)
	}
	if len(sess.Transcript) != 1 {
		t.Errorf("session mutated on failure: %d messages", len(sess.Transcript))
	}
}

func Test_Run_CallIDMismatch(t *testing.T) {
	t.Parallel()
	cases := map[string][]ToolCall{
		"empty id":     {{ID: "", Name: "search_documents", Arguments: `{"query":"x"}`}},
		"duplicate id": {searchCall("dup", "a"), searchCall("dup", "b")},
	}
	for name, calls := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tool := &echoTool{}
			inv := &scriptedInvoker{script: []Message{AssistantMessage("", calls...)}}
			c := newTestController(t, inv, tool)
			sess := NewSession("s", "sys")

			_, err := c.Run(context.Background(), sess, HumanMessage("q"))
			if !errors.Is(err, ErrToolCallMismatch) {
				t.Fatalf("want ErrToolCallMismatch, got %v", err)
			}
			if tool.calls.Load() != 0 {
				t.Errorf("tool executed despite mismatch")
			}
		})
	}
}

func Test_Run_UnknownToolAndBadArgumentsAreReported(t *testing.T) {
	t.Parallel()
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("",
			ToolCall{ID: "a", Name: "delete_everything", Arguments: `{}`},
			ToolCall{ID: "b", Name: "search_documents", Arguments: `not json`},
		),
		AssistantMessage("recovered"),
	}}
	c := newTestController(t, inv, &echoTool{})
	sess := NewSession("s", "sys")

	reply, err := c.Run(context.Background(), sess, HumanMessage("q"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reply.Content != "recovered" {
		t.Errorf("reply: got %q", reply.Content)
	}
	for _, m := range sess.Transcript[3:5] {
		if len(m.Content) < 6 || m.Content[:6] != "error:" {
			t.Errorf("call %s: want error result, got %q", m.ToolCallID, m.Content)
		}
	}
}

func Test_Run_FailuresLeaveSessionUnchanged(t *testing.T) {
	t.Parallel()
	storeErr := fmt.Errorf("vector store down: %w", ErrRetrievalUnavailable)
	cases := []struct {
		name    string
		invoker ModelInvoker
		tool    *echoTool
		want    error
	}{
		{
			name:    "model unavailable",
			invoker: &scriptedInvoker{err: fmt.Errorf("dial: %w", ErrModelUnavailable)},
			tool:    &echoTool{},
			want:    ErrModelUnavailable,
		},
		{
			name: "retrieval unavailable",
			invoker: &scriptedInvoker{script: []Message{
				AssistantMessage("", searchCall("a", "x")),
			}},
			tool: &echoTool{err: storeErr},
			want: ErrRetrievalUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestController(t, tc.invoker, tc.tool)
			sess := NewSession("s", "sys")
			sess.Transcript = append(sess.Transcript, HumanMessage("earlier"), AssistantMessage("ok"))
			before := sess.Clone()

			_, err := c.Run(context.Background(), sess, HumanMessage("q"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if len(sess.Transcript) != len(before.Transcript) {
				t.Errorf("transcript changed: %d -> %d", len(before.Transcript), len(sess.Transcript))
			}
		})
	}
}

func Test_Run_CancellationCommitsNothing(t *testing.T) {
	t.Parallel()
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("", searchCall("a", "slow")),
		AssistantMessage("never"),
	}}
	tool := &echoTool{delays: map[string]time.Duration{"slow": 5 * time.Second}}
	c := newTestController(t, inv, tool)
	sess := NewSession("s", "sys")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, sess, HumanMessage("q"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if len(sess.Transcript) != 1 {
		t.Errorf("want untouched transcript, got %d messages", len(sess.Transcript))
	}
}

func Test_Run_RejectsNonHumanInput(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &scriptedInvoker{})
	if _, err := c.Run(context.Background(), NewSession("s", ""), AssistantMessage("x")); err == nil {
		t.Fatal("want error for assistant input")
	}
}

func Test_Run_OnRoundObservesCalls(t *testing.T) {
	t.Parallel()
	var seen []int
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("", searchCall("a", "x"), searchCall("b", "y")),
		AssistantMessage("", searchCall("c", "z")),
		AssistantMessage("done"),
	}}
	c, err := NewController(Config{
		Invoker: inv,
		Tools:   []Tool{&echoTool{}},
		OnRound: func(_ context.Context, round int, calls []ToolCall) {
			seen = append(seen, round*10+len(calls))
		},
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	if _, err := c.Run(context.Background(), NewSession("s", ""), HumanMessage("q")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 || seen[0] != 12 || seen[1] != 21 {
		t.Errorf("rounds observed: got %v, want [12 21]", seen)
	}
}

func Test_Advance_PersistsAcrossTurns(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	inv := &scriptedInvoker{script: []Message{
		AssistantMessage("first"),
		AssistantMessage("", searchCall("a", "x")),
		AssistantMessage("second"),
	}}
	c, err := NewController(Config{Invoker: inv, Tools: []Tool{&echoTool{}}, Store: store, SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Advance(ctx, "thread", "one"); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	reply, err := c.Advance(ctx, "thread", "two")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if reply.Content != "second" {
		t.Errorf("reply: got %q", reply.Content)
	}

	sess, err := store.Load(ctx, "thread")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// sys, human, answer, human, call, result, answer.
	if len(sess.Transcript) != 7 {
		t.Errorf("want 7 messages, got %d", len(sess.Transcript))
	}
	if sess.Transcript[0].Role != RoleSystem {
		t.Errorf("first message: want system, got %s", sess.Transcript[0].Role)
	}
}

func Test_Advance_FailedTurnIsNotSaved(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	inv := &scriptedInvoker{err: ErrModelUnavailable}
	c, err := NewController(Config{Invoker: inv, Store: store})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	if _, err := c.Advance(context.Background(), "x", "hi"); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("want ErrModelUnavailable, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("failed turn created a stored session")
	}
}

func Test_Advance_SerialisesSameSession(t *testing.T) {
	t.Parallel()
	inv := &concurrencyProbe{delay: 20 * time.Millisecond}
	c, err := NewController(Config{Invoker: inv})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Advance(context.Background(), "same", "hi"); err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inv.peak.Load(); got != 1 {
		t.Errorf("want at most 1 concurrent turn per session, saw %d", got)
	}
	sess, err := c.Session(context.Background(), "same")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(sess.Transcript) != 10 {
		t.Errorf("want 10 messages after 5 turns, got %d", len(sess.Transcript))
	}
}

// concurrencyProbe answers directly and records peak concurrent invocations.
type concurrencyProbe struct {
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (p *concurrencyProbe) Invoke(context.Context, []Message) (Message, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return AssistantMessage("ok"), nil
}

func Test_NewController_RejectsDuplicateTools(t *testing.T) {
	t.Parallel()
	_, err := NewController(Config{
		Invoker: &scriptedInvoker{},
		Tools:   []Tool{&echoTool{}, &echoTool{}},
	})
	if err == nil {
		t.Fatal("want error for duplicate tool names")
	}
}

func Test_Kind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("x: %w", ErrModelUnavailable), "model_unavailable"},
		{fmt.Errorf("x: %w", ErrRetrievalUnavailable), "retrieval_unavailable"},
		{ErrToolCallMismatch, "tool_call_mismatch"},
		{ErrToolLoopExceeded, "tool_loop_exceeded"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
