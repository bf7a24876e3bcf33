// Package agent adapts an eino tool-calling chat model to the
// conversation.ModelInvoker contract. The model is bound to the tool schemas
// once, at construction; every Invoke converts the transcript into eino
// messages, calls Generate under a per-call timeout, and converts the reply
// back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/ragent/internal/budget"
	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 2 * time.Minute

// Config holds the dependencies required to construct an Invoker.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// Tools are the schemas the model may request. They are bound to the
	// model once, here, rather than on every call.
	Tools []conversation.ToolSchema

	// Timeout bounds each Generate call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxContextTokens, when positive, drops the oldest complete prior turns
	// from each request so the estimated input fits. Zero sends the full
	// transcript.
	MaxContextTokens int
}

// Invoker implements conversation.ModelInvoker on top of an eino chat model.
type Invoker struct {
	model            model.ToolCallingChatModel
	timeout          time.Duration
	maxContextTokens int
}

// New binds cfg.Tools to cfg.ChatModel and returns a ready Invoker.
func New(cfg *Config) (*Invoker, error) {
	if cfg == nil || cfg.ChatModel == nil {
		return nil, errors.New("agent: ChatModel must not be nil")
	}

	bound := cfg.ChatModel
	if len(cfg.Tools) > 0 {
		var err error
		bound, err = cfg.ChatModel.WithTools(ToolInfos(cfg.Tools))
		if err != nil {
			return nil, fmt.Errorf("agent: failed to bind tools: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Invoker{
		model:            bound,
		timeout:          timeout,
		maxContextTokens: cfg.MaxContextTokens,
	}, nil
}

// Invoke sends transcript to the model and returns its reply. Transport,
// authentication, and timeout failures wrap conversation.ErrModelUnavailable;
// cancellation of ctx is returned as the context error.
func (i *Invoker) Invoke(ctx context.Context, transcript []conversation.Message) (conversation.Message, error) {
	log := logging.FromContext(ctx)

	msgs := transcript
	if i.maxContextTokens > 0 {
		var dropped int
		msgs, dropped = budget.FitTranscript(transcript, i.maxContextTokens)
		if dropped > 0 {
			log.Warn("budget: dropped prior turns to fit context window",
				slog.Int("dropped", dropped),
				slog.Int("retained", len(msgs)),
				slog.Int("max_tokens", i.maxContextTokens),
			)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	out, err := i.model.Generate(callCtx, toSchemaMessages(msgs))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return conversation.Message{}, fmt.Errorf("agent: generate: %w", ctxErr)
		}
		return conversation.Message{}, fmt.Errorf("agent: generate: %w: %w", conversation.ErrModelUnavailable, err)
	}
	if out == nil {
		return conversation.Message{}, fmt.Errorf("agent: generate returned no message: %w", conversation.ErrModelUnavailable)
	}

	reply := fromSchemaMessage(out)
	log.Debug("model replied",
		slog.Int("input_messages", len(msgs)),
		slog.Int("tool_calls", len(reply.ToolCalls)),
		slog.Duration("duration", time.Since(start)),
	)
	return reply, nil
}
