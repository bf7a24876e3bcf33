package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragent/internal/logging"
)

const (
	// DefaultMaxRounds is the number of tool rounds a single turn may run
	// before the controller gives up with ErrToolLoopExceeded.
	DefaultMaxRounds = 10
	// DefaultToolConcurrency bounds how many tool calls of one round run at
	// the same time.
	DefaultToolConcurrency = 4
)

// ModelInvoker produces the next assistant message for a transcript. The
// returned message either answers directly or carries tool calls.
type ModelInvoker interface {
	Invoke(ctx context.Context, transcript []Message) (Message, error)
}

// Tool is an executable capability the model may request by name.
//
// Call receives the raw JSON arguments from the model. Returning an error
// that wraps ErrInvalidArguments reports the problem back to the model as a
// tool result; any other error aborts the turn.
type Tool interface {
	Schema() ToolSchema
	Call(ctx context.Context, arguments string) (string, error)
}

// RoundFunc observes a tool round just before its calls execute. round
// starts at 1.
type RoundFunc func(ctx context.Context, round int, calls []ToolCall)

// Config holds the collaborators and limits for a Controller.
type Config struct {
	// Invoker produces assistant messages. Required.
	Invoker ModelInvoker
	// Tools are the capabilities the model may call, keyed by schema name.
	Tools []Tool
	// Store persists sessions for Advance. Defaults to a MemoryStore.
	Store SessionStore
	// SystemPrompt seeds sessions that Advance creates.
	SystemPrompt string
	// MaxRounds caps tool rounds per turn. Zero means DefaultMaxRounds.
	MaxRounds int
	// ToolConcurrency bounds parallel tool calls in a round. Zero means
	// DefaultToolConcurrency.
	ToolConcurrency int
	// OnRound, when set, is called before each tool round executes.
	OnRound RoundFunc
}

// Controller drives conversation turns: it alternates between the model and
// the tools until the model answers without requesting a tool.
type Controller struct {
	invoker      ModelInvoker
	tools        map[string]Tool
	store        SessionStore
	systemPrompt string
	maxRounds    int
	concurrency  int
	onRound      RoundFunc
	locks        *sessionLocks
}

// NewController validates cfg and returns a ready Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("conversation: model invoker is required")
	}
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		name := t.Schema().Name
		if name == "" {
			return nil, errors.New("conversation: tool schema has no name")
		}
		if _, dup := tools[name]; dup {
			return nil, fmt.Errorf("conversation: tool %q registered twice", name)
		}
		tools[name] = t
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	return &Controller{
		invoker:      cfg.Invoker,
		tools:        tools,
		store:        cfg.Store,
		systemPrompt: cfg.SystemPrompt,
		maxRounds:    cfg.MaxRounds,
		concurrency:  cfg.ToolConcurrency,
		onRound:      cfg.OnRound,
		locks:        newSessionLocks(),
	}, nil
}

// state is a step of the turn loop.
type state int

const (
	stateAwaitingModel state = iota
	stateExecutingTools
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateExecutingTools:
		return "executing_tools"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Run executes one user turn against sess. On success the human message,
// every intermediate tool-call and tool-result message, and the final
// assistant message are appended to sess.Transcript and the final message is
// returned. On any error sess is left exactly as it was.
func (c *Controller) Run(ctx context.Context, sess *Session, human Message) (Message, error) {
	if human.Role != RoleHuman {
		return Message{}, fmt.Errorf("conversation: run: expected a %s message, got %q", RoleHuman, human.Role)
	}
	if err := ValidateTranscript(sess.Transcript); err != nil {
		return Message{}, fmt.Errorf("conversation: session %s: %w", sess.ID, err)
	}

	log := logging.FromContext(ctx).With(slog.String("session_id", sess.ID))
	start := time.Now()

	working := CloneMessages(sess.Transcript)
	working = append(working, human)

	var (
		st      = stateAwaitingModel
		round   int
		pending Message
		final   Message
	)
	for st != stateDone {
		if err := ctx.Err(); err != nil {
			return Message{}, fmt.Errorf("conversation: %s: %w", st, err)
		}

		switch st {
		case stateAwaitingModel:
			reply, err := c.invoker.Invoke(ctx, CloneMessages(working))
			if err != nil {
				return Message{}, fmt.Errorf("conversation: invoke model (round %d): %w", round, err)
			}
			reply.Role = RoleAssistant

			if !reply.HasToolCalls() {
				working = append(working, reply)
				final = reply
				st = stateDone
				continue
			}
			if round >= c.maxRounds {
				return Message{}, fmt.Errorf("conversation: model requested tools after %d rounds: %w",
					round, ErrToolLoopExceeded)
			}
			if err := checkCallIDs(reply.ToolCalls); err != nil {
				return Message{}, fmt.Errorf("conversation: round %d: %w", round+1, err)
			}
			round++
			working = append(working, reply)
			pending = reply
			st = stateExecutingTools

		case stateExecutingTools:
			log.Debug("executing tool round",
				slog.Int("round", round),
				slog.Int("calls", len(pending.ToolCalls)),
			)
			results, err := c.executeRound(ctx, round, pending.ToolCalls)
			if err != nil {
				return Message{}, err
			}
			working = append(working, results...)
			st = stateAwaitingModel
		}
	}

	sess.Transcript = working
	sess.UpdatedAt = time.Now().UTC()

	log.Debug("turn complete",
		slog.Int("rounds", round),
		slog.Int("transcript_len", len(working)),
		slog.Duration("duration", time.Since(start)),
	)
	return final, nil
}

// Advance loads (or creates) the session named id, runs one turn with text
// as the human message, and saves the session. Turns on the same id are
// serialised; turns on different ids run independently.
func (c *Controller) Advance(ctx context.Context, id, text string) (Message, error) {
	unlock, err := c.locks.acquire(ctx, id)
	if err != nil {
		return Message{}, fmt.Errorf("conversation: wait for session %s: %w", id, err)
	}
	defer unlock()

	sess, err := c.Session(ctx, id)
	if err != nil {
		return Message{}, err
	}

	reply, err := c.Run(ctx, sess, HumanMessage(text))
	if err != nil {
		return Message{}, err
	}

	if err := c.store.Save(ctx, sess); err != nil {
		return Message{}, fmt.Errorf("conversation: save session %s: %w", id, err)
	}
	return reply, nil
}

// Session returns the stored session for id, or a freshly seeded one when
// the store has never seen it. A fresh session is not saved until a turn on
// it completes.
func (c *Controller) Session(ctx context.Context, id string) (*Session, error) {
	sess, err := c.store.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return NewSession(id, c.systemPrompt), nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load session %s: %w", id, err)
	}
	return sess, nil
}

// ToolSchemas returns the schema of every registered tool.
func (c *Controller) ToolSchemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Schema())
	}
	return out
}

// executeRound runs every call of one round, at most c.concurrency at a
// time, and returns one tool result per call in request order.
func (c *Controller) executeRound(ctx context.Context, round int, calls []ToolCall) ([]Message, error) {
	if c.onRound != nil {
		c.onRound(ctx, round, append([]ToolCall(nil), calls...))
	}

	results := make([]Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			content, err := c.callTool(gctx, call)
			if err != nil {
				return err
			}
			results[i] = ToolResultMessage(call, content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("conversation: round %d: %w", round, ctxErr)
		}
		return nil, fmt.Errorf("conversation: round %d: %w", round, err)
	}
	return results, nil
}

// callTool executes a single call. Unknown tools and invalid arguments are
// reported to the model as "error: ..." results instead of failing the turn.
func (c *Controller) callTool(ctx context.Context, call ToolCall) (string, error) {
	log := logging.FromContext(ctx)

	tool, ok := c.tools[call.Name]
	if !ok {
		log.Warn("model requested unknown tool",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
		)
		return fmt.Sprintf("error: unknown tool %q", call.Name), nil
	}

	start := time.Now()
	out, err := tool.Call(ctx, call.Arguments)
	switch {
	case errors.Is(err, ErrInvalidArguments):
		log.Warn("tool arguments rejected",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
		return "error: " + err.Error(), nil
	case err != nil:
		return "", fmt.Errorf("tool %s (call %s): %w", call.Name, call.ID, err)
	}

	log.Debug("tool call complete",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.Int("result_bytes", len(out)),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}
