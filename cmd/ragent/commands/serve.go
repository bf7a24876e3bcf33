package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/logging"
	"github.com/54b3r/ragent/internal/provider"
	"github.com/54b3r/ragent/internal/rag"
	"github.com/54b3r/ragent/internal/server"
)

// NewServeCmd constructs the `ragent serve` command, which exposes the chat
// controller over HTTP.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragent HTTP API",
		Long: `Start the ragent HTTP API.

Endpoints:
  POST /api/chat            {"session_id": "...", "message": "..."}
                            Accept: text/event-stream streams tool calls
  GET  /api/sessions/{id}   transcript of a session
  GET  /api/health          liveness
  GET  /api/ready           model, vector store and database readiness
  GET  /metrics             Prometheus metrics

Set RAGENT_API_KEY to require "Authorization: Bearer <key>" on /api/chat
and /api/sessions.

Examples:
  ragent serve
  ragent serve --port 9090
  RAGENT_VECTOR_STORE=qdrant ragent serve --host 0.0.0.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			// Metrics exist before the controller so their round hook can
			// be installed on it.
			metrics := server.NewMetrics(reg)

			st, err := buildStack(ctx, settings, log, metrics.ObserveRound)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("RAGENT_SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("RAGENT_SERVER_PORT", port)
			}

			srv, err := server.New(st.controller, st.sessions, &server.Config{
				Host:     host,
				Port:     port,
				Logger:   log,
				Pingers:  buildPingers(st, log),
				APIKey:   os.Getenv("RAGENT_API_KEY"),
				Metrics:  metrics,
				Registry: reg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env RAGENT_SERVER_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env RAGENT_SERVER_PORT)")

	return cmd
}

// buildPingers returns the readiness probes for the wired dependencies, in
// the order they are reported by GET /api/ready.
func buildPingers(st *stack, log *slog.Logger) []server.Pinger {
	var pingers []server.Pinger

	if hc := provider.NewHealthChecker(st.providerCfg); hc != nil {
		pingers = append(pingers, server.NewLLMPinger(hc, string(st.providerCfg.Backend)))
	} else {
		log.Info("readiness: no health probe for provider", slog.String("provider", string(st.providerCfg.Backend)))
	}

	switch vs := st.vectors.(type) {
	case *rag.QdrantStore:
		pingers = append(pingers, server.NewQdrantPinger(vs.Client()))
	case *rag.SQLiteStore:
		pingers = append(pingers, server.PingFunc{Label: "index", Fn: vs.Ping})
	}

	if st.sessionDB != nil {
		pingers = append(pingers, server.PingFunc{Label: "sessions", Fn: st.sessionDB.Ping})
	}
	return pingers
}
