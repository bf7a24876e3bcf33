// Package server exposes the dialogue controller over HTTP. It is started by
// the `ragent serve` CLI command.
//
// Routes:
//
//	POST /api/chat              one turn; JSON reply, or SSE with Accept: text/event-stream
//	GET  /api/sessions/{id}     the committed transcript of a session
//	GET  /api/health            liveness
//	GET  /api/ready             dependency readiness
//	GET  /metrics               Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragent/internal/audit"
	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
)

// maxChatBodyBytes bounds the POST /api/chat request body.
const maxChatBodyBytes = 1 << 20

// New constructs a Server around runner. sessions backs the transcript
// endpoint and may be the same store the runner writes to.
func New(runner TurnRunner, sessions conversation.SessionStore, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("server: runner must not be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("server: session store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.ChatTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Registry)
	}

	s := &Server{
		runner:   runner,
		sessions: sessions,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
	for _, p := range cfg.Pingers {
		if p != nil {
			s.pingers = append(s.pingers, p)
		}
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: RAGENT_API_KEY is not set, API authentication is disabled")
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.log)
	s.stopRL = stop

	protect := func(h http.HandlerFunc) http.Handler { return authMiddleware(cfg.APIKey, h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", rl.middleware(protect(s.handleChat)))
	mux.Handle("GET /api/sessions/{id}", protect(s.handleSession))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.metrics.middleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. An empty session_id starts a new
// session whose id is returned. Clients that accept text/event-stream get
// one "tool_call" event per retrieval round followed by an "answer" or
// "error" event; everyone else gets a single JSON body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "message is required", "")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()
	ctx = logging.With(ctx, slog.String("session_id", req.SessionID))
	ctx, stats := withTurnStats(ctx)

	var sse *sseWriter
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if f, ok := w.(http.Flusher); ok {
			sse = &sseWriter{w: w, flusher: f}
			sse.start()
			ctx = withRoundListener(ctx, func(_ context.Context, round int, calls []conversation.ToolCall) {
				sse.event("tool_call", roundEvent{Round: round, Calls: calls})
			})
		}
	}

	s.metrics.activeTurns.Inc()
	start := time.Now()
	reply, err := s.runner.Advance(ctx, req.SessionID, req.Message)
	elapsed := time.Since(start)
	s.metrics.activeTurns.Dec()
	s.metrics.observeTurn(err, stats.rounds, elapsed)

	log := logging.FromContext(ctx)
	audit.LogTurn(log, audit.Turn{
		SessionID: req.SessionID,
		Outcome:   conversation.Kind(err),
		Rounds:    stats.rounds,
		ToolCalls: stats.calls,
		Duration:  elapsed,
	})

	if err != nil {
		kind := conversation.Kind(err)
		if sse != nil {
			sse.event("error", errorResponse{Error: err.Error(), Kind: kind})
			return
		}
		writeError(ctx, w, statusForKind(kind), err.Error(), kind)
		return
	}

	resp := chatResponse{SessionID: req.SessionID, Answer: reply.Content}
	if sse != nil {
		sse.event("answer", resp)
		return
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

// handleSession handles GET /api/sessions/{id}.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Load(r.Context(), id)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "session not found", conversation.Kind(err))
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, err.Error(), conversation.Kind(err))
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, sess)
}

// statusForKind maps a conversation error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "model_unavailable", "retrieval_unavailable":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "tool_loop_exceeded", "tool_call_mismatch":
		return http.StatusUnprocessableEntity
	case "canceled":
		// nginx's "client closed request"; the client is gone anyway.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(ctx).Error("server: encode response", slog.Any("error", err))
	}
}

// writeError writes an errorResponse.
func writeError(ctx context.Context, w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(ctx, w, status, errorResponse{Error: msg, Kind: kind})
}

// sseWriter emits Server-Sent Events.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each event.
	flusher http.Flusher
}

// start writes the SSE response headers.
func (s *sseWriter) start() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// event writes one named event whose data is the JSON encoding of v. JSON
// never contains a raw newline, so each event is a single data line.
func (s *sseWriter) event(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"encode failed"}`)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}
