package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
)

const (
	// SearchToolName is the name the model uses to request retrieval.
	SearchToolName = "search_documents"
	// DefaultTopK is the number of excerpts returned per search.
	DefaultTopK = 20
	// DefaultSearchTimeout bounds a single retrieval call.
	DefaultSearchTimeout = 30 * time.Second
)

// SearchToolConfig tunes a SearchTool. Zero values select the defaults.
type SearchToolConfig struct {
	// TopK is the number of excerpts returned per search.
	TopK int
	// Timeout bounds embedding plus vector search for one call.
	Timeout time.Duration
}

// SearchTool exposes a Retriever to the model as the search_documents tool.
// It satisfies conversation.Tool.
type SearchTool struct {
	retriever Retriever
	topK      int
	timeout   time.Duration
}

// NewSearchTool wraps retriever.
func NewSearchTool(retriever Retriever, cfg SearchToolConfig) (*SearchTool, error) {
	if retriever == nil {
		return nil, errors.New("rag: retriever must not be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSearchTimeout
	}
	return &SearchTool{retriever: retriever, topK: cfg.TopK, timeout: cfg.Timeout}, nil
}

// Schema returns the model-facing description of search_documents.
func (t *SearchTool) Schema() conversation.ToolSchema {
	return conversation.ToolSchema{
		Name:        SearchToolName,
		Description: "Search the ingested documents for passages relevant to a query. Returns excerpts with their source and metadata.",
		Params: map[string]conversation.ParamSchema{
			"query": {
				Type:        conversation.ParamString,
				Description: "Natural-language search query.",
				Required:    true,
			},
		},
	}
}

// searchArgs is the JSON argument object of a search_documents call.
type searchArgs struct {
	Query string `json:"query"`
}

// Call decodes the model's JSON arguments and runs Search with the
// configured k.
func (t *SearchTool) Call(ctx context.Context, arguments string) (string, error) {
	var args searchArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("%w: %s: %v", conversation.ErrInvalidArguments, SearchToolName, err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("%w: %s: query must not be empty", conversation.ErrInvalidArguments, SearchToolName)
	}
	return t.Search(ctx, args.Query, t.topK)
}

// Search retrieves the k documents most relevant to query and formats them
// for the model. No hits, or a blank query, yields an empty string. Store and embedder failures,
// including timeout, wrap conversation.ErrRetrievalUnavailable; cancellation
// of ctx itself is returned as the context error.
func (t *SearchTool) Search(ctx context.Context, query string, k int) (string, error) {
	// Nothing can match a blank query; embedders reject empty input anyway.
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	if k <= 0 {
		k = t.topK
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	docs, err := t.retriever.Retrieve(callCtx, query, k)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("rag: search: %w", ctxErr)
		}
		return "", fmt.Errorf("rag: search: %w: %w", conversation.ErrRetrievalUnavailable, err)
	}

	logging.FromContext(ctx).Debug("rag: search complete",
		slog.Int("hits", len(docs)),
		slog.Int("k", k),
		slog.Duration("duration", time.Since(start)),
	)
	return FormatDocuments(docs), nil
}

// FormatDocuments renders docs as numbered blocks separated by blank lines:
//
//	Document 1:
//	<content>
//
//	Source: <source>
//
//	Metadata: {k1: v1, k2: v2}
func FormatDocuments(docs []Document) string {
	blocks := make([]string, 0, len(docs))
	for i, d := range docs {
		blocks = append(blocks, fmt.Sprintf("Document %d:\n%s\n\nSource: %s\n\nMetadata: %s",
			i+1, d.Content, d.Source, formatMetadata(d.Metadata)))
	}
	return strings.Join(blocks, "\n\n")
}

func formatMetadata(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}
