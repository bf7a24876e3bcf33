package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/ragent/internal/conversation"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"
)

// Metrics holds every Prometheus metric owned by the server. It is created
// before the dialogue controller so that ObserveRound can be installed as
// the controller's round hook.
type Metrics struct {
	// turnsTotal counts completed turns, partitioned by outcome kind
	// ("ok", "model_unavailable", "tool_loop_exceeded", ...).
	turnsTotal *prometheus.CounterVec

	// turnDurationSeconds records the wall-clock duration of each turn.
	turnDurationSeconds *prometheus.HistogramVec

	// activeTurns is the number of turns currently in flight.
	activeTurns prometheus.Gauge

	// toolCallsTotal counts tool calls requested by the model, by tool name.
	toolCallsTotal *prometheus.CounterVec

	// roundsPerTurn records how many tool rounds each successful turn used.
	roundsPerTurn prometheus.Histogram

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// NewMetrics registers the server metrics against reg. promauto.With(reg)
// keeps unit tests hermetic by never touching the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragent",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Total number of dialogue turns completed, partitioned by outcome.",
		}, []string{"outcome"}),

		turnDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragent",
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of dialogue turns including every retrieval round.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		activeTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragent",
			Subsystem: "chat",
			Name:      "active_turns",
			Help:      "Number of dialogue turns currently in flight.",
		}),

		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragent",
			Subsystem: "chat",
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls requested by the model, partitioned by tool.",
		}, []string{"tool"}),

		roundsPerTurn: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragent",
			Subsystem: "chat",
			Name:      "rounds_per_turn",
			Help:      "Number of tool-calling rounds used by successful turns.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragent",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// roundListenerKey carries a per-request round callback through the
// controller so SSE responses can report tool calls as they happen.
type roundListenerKey struct{}

// turnStatsKey carries the round counter of the turn in flight.
type turnStatsKey struct{}

type turnStats struct {
	rounds int
	calls  int
}

func withRoundListener(ctx context.Context, fn conversation.RoundFunc) context.Context {
	return context.WithValue(ctx, roundListenerKey{}, fn)
}

func withTurnStats(ctx context.Context) (context.Context, *turnStats) {
	st := &turnStats{}
	return context.WithValue(ctx, turnStatsKey{}, st), st
}

// ObserveRound is a conversation.RoundFunc. Install it as the controller's
// OnRound hook so tool calls are counted and forwarded to any listener
// attached to the request context.
func (m *Metrics) ObserveRound(ctx context.Context, round int, calls []conversation.ToolCall) {
	for _, c := range calls {
		m.toolCallsTotal.WithLabelValues(c.Name).Inc()
	}
	if st, ok := ctx.Value(turnStatsKey{}).(*turnStats); ok {
		st.rounds = round
		st.calls += len(calls)
	}
	if fn, ok := ctx.Value(roundListenerKey{}).(conversation.RoundFunc); ok && fn != nil {
		fn(ctx, round, calls)
	}
}

// observeTurn records the outcome of one turn.
func (m *Metrics) observeTurn(err error, rounds int, elapsed time.Duration) {
	outcome := conversation.Kind(err)
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if err == nil {
		m.roundsPerTurn.Observe(float64(rounds))
	}
}

// middleware records request counts and latency per route pattern. It must
// wrap the ServeMux directly so the matched pattern is visible afterwards.
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
