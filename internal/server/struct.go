package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragent/internal/conversation"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// cover a full dialogue turn including every retrieval round.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds one turn handled by POST /api/chat (default: 5m).
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Metrics receives request and turn metrics. When nil, New creates one
	// against Registry.
	Metrics *Metrics
	// Registry backs GET /metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// TurnRunner advances a session by one user message.
// *conversation.Controller satisfies it; tests inject a fake.
type TurnRunner interface {
	Advance(ctx context.Context, sessionID, text string) (conversation.Message, error)
}

// Server is the HTTP front end for the dialogue controller.
type Server struct {
	// runner handles POST /api/chat turns.
	runner TurnRunner
	// sessions serves GET /api/sessions/{id}.
	sessions conversation.SessionStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics records request and turn outcomes.
	metrics *Metrics
	// stopRL stops the rate limiter sweeper.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// SessionID selects the conversation. Empty starts a new session.
	SessionID string `json:"session_id"`
	// Message is the user's question.
	Message string `json:"message"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// errorResponse is the JSON body of every non-2xx API response produced by
// the chat and session handlers.
type errorResponse struct {
	Error string `json:"error"`
	// Kind is the machine-readable error class, see conversation.Kind.
	Kind string `json:"kind,omitempty"`
}

// roundEvent is the data of an SSE "tool_call" event.
type roundEvent struct {
	Round int                     `json:"round"`
	Calls []conversation.ToolCall `json:"calls"`
}
