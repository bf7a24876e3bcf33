package rag

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRetriever answers a query by embedding it and asking a VectorStore
// for its nearest chunks.
type DefaultRetriever struct {
	embedder Embedder
	store    VectorStore
	topK     int
}

// NewRetriever wires embedder to store. topK <= 0 selects DefaultTopK.
func NewRetriever(embedder Embedder, store VectorStore, topK int) (*DefaultRetriever, error) {
	switch {
	case embedder == nil:
		return nil, errors.New("rag: retriever needs an embedder")
	case store == nil:
		return nil, errors.New("rag: retriever needs a vector store")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &DefaultRetriever{embedder: embedder, store: store, topK: topK}, nil
}

// Retrieve returns at most topK documents, best first. topK <= 0 uses the
// retriever's own default.
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = r.topK
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("rag: embed query: got %d vectors for one input", len(vecs))
	}

	docs, err := r.store.Search(ctx, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("rag: nearest chunks: %w", err)
	}
	// Stores are asked for topK but not all of them enforce it.
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}
