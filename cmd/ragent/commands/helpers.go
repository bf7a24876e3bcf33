package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/54b3r/ragent/internal/agent"
	"github.com/54b3r/ragent/internal/config"
	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/embedder"
	"github.com/54b3r/ragent/internal/provider"
	"github.com/54b3r/ragent/internal/rag"
	"github.com/54b3r/ragent/internal/store"
)

// newEmbedder validates the embedding configuration and constructs the
// embedder used for both ingestion and query embedding.
func newEmbedder(ctx context.Context, log *slog.Logger) (rag.Embedder, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("backend", embedder.Backend()))
	return emb, nil
}

// openVectorStore opens the vector index selected by RAGENT_VECTOR_STORE.
func openVectorStore(ctx context.Context, s *config.Settings, log *slog.Logger) (rag.VectorStore, error) {
	switch s.VectorStore {
	case "qdrant":
		cfg := qdrantConfigFromEnv()
		vs, err := rag.NewQdrantStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		log.Info("qdrant store ready",
			slog.String("host", cfg.Host),
			slog.Int("port", cfg.Port),
			slog.String("collection", cfg.Collection),
		)
		return vs, nil

	case "memory":
		log.Warn("vector store is in-memory; ingested documents are lost on exit")
		return rag.NewMemoryStore(), nil

	default:
		path, err := rag.LocalIndexPath(s.PersistDir)
		if err != nil {
			return nil, err
		}
		vs, err := rag.OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		log.Info("local index ready", slog.String("path", path))
		return vs, nil
	}
}

// qdrantConfigFromEnv reads the QDRANT_* variables. The collection vector
// size follows the embedding backend.
func qdrantConfigFromEnv() *rag.QdrantConfig {
	return &rag.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvInt("QDRANT_PORT", 6334),
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "ragent"),
		VectorSize: uint64(embedder.DefaultDimensions(embedder.Backend())), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	}
}

// openSessionDB opens the persistent session store. It returns nil with no
// error when RAGENT_HISTORY_DB=disabled.
func openSessionDB(s *config.Settings, log *slog.Logger) (*store.SQLiteStore, error) {
	if s.HistoryDB == config.HistoryDisabled {
		log.Info("history: disabled via RAGENT_HISTORY_DB=disabled")
		return nil, nil
	}
	path := s.HistoryDB
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	log.Debug("history: store opened", slog.String("path", path))
	return db, nil
}

// stack is everything a dialogue command needs, wired from the environment.
type stack struct {
	controller  *conversation.Controller
	providerCfg *provider.Config
	vectors     rag.VectorStore
	sessions    conversation.SessionStore
	// sessionDB is nil when history is disabled.
	sessionDB *store.SQLiteStore
}

// Close releases the vector index and session database.
func (s *stack) Close() error {
	var errs []error
	if s.vectors != nil {
		errs = append(errs, s.vectors.Close())
	}
	if s.sessionDB != nil {
		errs = append(errs, s.sessionDB.Close())
	}
	return errors.Join(errs...)
}

// buildStack wires embedder, vector store, search tool, chat model, session
// store, and controller. onRound may be nil.
func buildStack(ctx context.Context, s *config.Settings, log *slog.Logger, onRound conversation.RoundFunc) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	emb, err := newEmbedder(ctx, log)
	if err != nil {
		return nil, err
	}
	if st.vectors, err = openVectorStore(ctx, s, log); err != nil {
		return nil, err
	}

	retriever, err := rag.NewRetriever(emb, st.vectors, s.TopK)
	if err != nil {
		return nil, err
	}
	search, err := rag.NewSearchTool(retriever, rag.SearchToolConfig{
		TopK:    s.TopK,
		Timeout: s.RetrievalTimeout,
	})
	if err != nil {
		return nil, err
	}

	chatModel, providerCfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	st.providerCfg = providerCfg
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)

	invoker, err := agent.New(&agent.Config{
		ChatModel:        chatModel,
		Tools:            []conversation.ToolSchema{search.Schema()},
		Timeout:          s.ModelTimeout,
		MaxContextTokens: s.MaxContextTokens,
	})
	if err != nil {
		return nil, err
	}

	if st.sessionDB, err = openSessionDB(s, log); err != nil {
		return nil, err
	}
	if st.sessionDB != nil {
		st.sessions = st.sessionDB
	} else {
		st.sessions = conversation.NewMemoryStore()
	}

	st.controller, err = conversation.NewController(conversation.Config{
		Invoker:         invoker,
		Tools:           []conversation.Tool{search},
		Store:           st.sessions,
		SystemPrompt:    agent.SystemPrompt,
		MaxRounds:       s.MaxRounds,
		ToolConcurrency: s.ToolConcurrency,
		OnRound:         onRound,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the named environment variable parsed as an int, or
// fallback if the variable is unset or not a valid integer.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
