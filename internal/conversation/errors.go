package conversation

import (
	"context"
	"errors"
)

var (
	// ErrModelUnavailable is returned when the language model could not be
	// reached, rejected the request, or did not answer before its deadline.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrRetrievalUnavailable is returned when the vector store or embedder
	// failed while serving a retrieval tool call.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrToolCallMismatch is returned when tool call ids are missing,
	// duplicated, or left without a matching tool result.
	ErrToolCallMismatch = errors.New("tool call mismatch")

	// ErrToolLoopExceeded is returned when the model keeps requesting tools
	// past the configured round limit.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrSessionNotFound is returned by a SessionStore for an unknown id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidArguments is returned by a Tool whose arguments could not be
	// decoded. The controller reports it back to the model as a tool result.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Kind maps err to a short, stable label for CLI output, HTTP error bodies,
// and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case errors.Is(err, ErrToolCallMismatch):
		return "tool_call_mismatch"
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
