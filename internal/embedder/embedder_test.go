package embedder

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/54b3r/ragent/internal/rag"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := ollamaEmbedResponse{}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL + "/", Model: "nomic-embed-text"})
	got, err := emb.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(got) != 2 || got[1][0] != 1 {
		t.Errorf("embeddings: got %v", got)
	}
}

func TestOllamaEmbedder_ErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"missing\" not found"}`)
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "missing"}).Embed(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("want error carrying server message, got %v", err)
	}
}

func TestOpenAIEmbedder_AzureRoutingAndOrdering(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/embed-small/embeddings" ||
			r.URL.Query().Get("api-version") != "2024-02-01" ||
			r.Header.Get("api-key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "denied")
			return
		}
		// Out of order on purpose.
		_, _ = io.WriteString(w, `{"data":[{"embedding":[2],"index":1},{"embedding":[1],"index":0}]}`)
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL + "/openai",
		APIKey:     "k",
		Model:      "embed-small",
		Azure:      true,
		APIVersion: "2024-02-01",
	})
	got, err := emb.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("want results reordered by index, got %v", got)
	}

	bad := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL + "/openai", APIKey: "wrong", Model: "embed-small", Azure: true, APIVersion: "2024-02-01"})
	if _, err := bad.Embed(context.Background(), []string{"x"}); err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("want HTTP 401 error for a non-JSON body, got %v", err)
	}
}

func TestNewFromEnv_SelectsBackend(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_API_KEY", "")

	emb, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := emb.(*OpenAIEmbedder); !ok {
		t.Errorf("want *OpenAIEmbedder, got %T", emb)
	}
}

func TestNewFromEnv_MissingCredentials(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "azure")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("AZURE_OPENAI_API_KEY", "")

	if _, err := NewFromEnv(context.Background()); err == nil {
		t.Fatal("want error without azure key")
	}
	if err := Validate(discardLogger()); err == nil {
		t.Fatal("Validate: want error without azure key")
	}
}

func TestDefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	cases := map[string]int{"ollama": 768, "gemini": 768, "openai": 1536, "azure": 1536}
	for backend, want := range cases {
		if got := DefaultDimensions(backend); got != want {
			t.Errorf("DefaultDimensions(%s) = %d, want %d", backend, got, want)
		}
	}

	t.Setenv("EMBEDDING_DIMENSIONS", "384")
	if got := DefaultDimensions("ollama"); got != 384 {
		t.Errorf("override: got %d", got)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"gpt-4o":                 true,
		"llama3":                 true,
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
		"text-embedding-004":     false,
	}
	for model, want := range cases {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestEmbed_EmptyBatchSkipsRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for an empty batch")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	embedders := map[string]rag.Embedder{
		"ollama": NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "m"}),
		"openai": NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"}),
	}
	for name, e := range embedders {
		got, err := e.Embed(context.Background(), nil)
		if err != nil || got != nil {
			t.Errorf("%s: want nil, nil; got %v, %v", name, got, err)
		}
	}
}

func TestOpenAIEmbedder_RejectsRepeatedIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"embedding":[1],"index":0},{"embedding":[2],"index":0}]}`)
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, err := emb.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("want error for a repeated index")
	}
}
