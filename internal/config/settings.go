package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the RAGENT_* runtime settings.
const (
	DefaultVectorStore      = "local"
	DefaultPersistDir       = "./ragent_db"
	DefaultChunkSize        = 500
	DefaultChunkOverlap     = 50
	DefaultBatchSize        = 100
	DefaultMaxRounds        = 10
	DefaultToolConcurrency  = 4
	DefaultTopK             = 20
	DefaultModelTimeout     = 2 * time.Minute
	DefaultRetrievalTimeout = 30 * time.Second
)

// Settings is the typed view of the RAGENT_* environment variables that
// shape ingestion and the dialogue loop. Provider, embedder and Qdrant
// settings are read by their own packages.
type Settings struct {
	VectorStore      string
	PersistDir       string
	ChunkSize        int
	ChunkOverlap     int
	BatchSize        int
	MaxRounds        int
	ToolConcurrency  int
	TopK             int
	ModelTimeout     time.Duration
	RetrievalTimeout time.Duration
	MaxContextTokens int
	// HistoryDB is the session database path; "disabled" keeps sessions in
	// memory and "" selects the default path.
	HistoryDB string
}

// HistoryDisabled is the RAGENT_HISTORY_DB value that turns persistence off.
const HistoryDisabled = "disabled"

// SettingsFromEnv resolves Settings from the environment. Malformed numbers
// and durations are reported rather than silently replaced by defaults.
func SettingsFromEnv() (*Settings, error) {
	s := &Settings{
		VectorStore: envOr("RAGENT_VECTOR_STORE", DefaultVectorStore),
		PersistDir:  envOr("RAGENT_PERSIST_DIR", DefaultPersistDir),
		HistoryDB:   os.Getenv("RAGENT_HISTORY_DB"),
	}

	var errs []error
	ints := []struct {
		key  string
		dst  *int
		def  int
		zero bool // zero is a meaningful value
	}{
		{"RAGENT_CHUNK_SIZE", &s.ChunkSize, DefaultChunkSize, false},
		{"RAGENT_CHUNK_OVERLAP", &s.ChunkOverlap, DefaultChunkOverlap, true},
		{"RAGENT_BATCH_SIZE", &s.BatchSize, DefaultBatchSize, false},
		{"RAGENT_MAX_ROUNDS", &s.MaxRounds, DefaultMaxRounds, false},
		{"RAGENT_TOOL_CONCURRENCY", &s.ToolConcurrency, DefaultToolConcurrency, false},
		{"RAGENT_TOP_K", &s.TopK, DefaultTopK, false},
		{"RAGENT_MAX_CONTEXT_TOKENS", &s.MaxContextTokens, 0, true},
	}
	for _, f := range ints {
		*f.dst = f.def
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || (n == 0 && !f.zero) {
			errs = append(errs, fmt.Errorf("config: %s=%q must be a positive integer", f.key, v))
			continue
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"RAGENT_MODEL_TIMEOUT", &s.ModelTimeout, DefaultModelTimeout},
		{"RAGENT_RETRIEVAL_TIMEOUT", &s.RetrievalTimeout, DefaultRetrievalTimeout},
	}
	for _, f := range durations {
		*f.dst = f.def
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s=%q must be a positive duration such as 30s", f.key, v))
			continue
		}
		*f.dst = d
	}

	switch s.VectorStore {
	case "local", "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("config: RAGENT_VECTOR_STORE=%q must be one of local, qdrant, memory", s.VectorStore))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string, log *slog.Logger) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	log.Debug("config: loaded dotenv file", slog.String("path", path))
	return nil
}

// legacyAliases maps variables used by earlier ragent releases onto the
// names the provider and embedder packages read.
var legacyAliases = []struct {
	legacy  string
	current string
}{
	{"RAGENT_AOAI_ENDPOINT", "AZURE_OPENAI_ENDPOINT"},
	{"RAGENT_LLM_DEPLOYMENT_NAME", "AZURE_OPENAI_DEPLOYMENT"},
	{"RAGENT_LLM_DEPLOYMENT_VERSION", "AZURE_OPENAI_API_VERSION"},
	{"RAGENT_EMBEDDING_DEPLOYMENT_NAME", "EMBEDDING_MODEL"},
	{"RAGENT_EMBEDDING_DEPLOYMENT_VERSION", "EMBEDDING_API_VERSION"},
}

// ApplyLegacyEnv copies legacy RAGENT_* Azure variables onto their current
// names when those are unset. When a legacy Azure endpoint is present and no
// provider is chosen, MODEL_PROVIDER defaults to azure. It returns the
// number of variables set.
func ApplyLegacyEnv(log *slog.Logger) int {
	applied := 0
	for _, a := range legacyAliases {
		v := os.Getenv(a.legacy)
		if v == "" || os.Getenv(a.current) != "" {
			continue
		}
		os.Setenv(a.current, v)
		applied++
		log.Debug("config: mapped legacy variable",
			slog.String("from", a.legacy),
			slog.String("to", a.current),
		)
	}
	if os.Getenv("RAGENT_AOAI_ENDPOINT") != "" && os.Getenv("MODEL_PROVIDER") == "" {
		os.Setenv("MODEL_PROVIDER", "azure")
		applied++
	}
	return applied
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
