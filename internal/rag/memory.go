package rag

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

type memoryEntry struct {
	doc       Document
	embedding []float32
}

// MemoryStore is an in-process VectorStore using brute-force cosine search.
// Nothing is persisted; it backs tests and RAGENT_VECTOR_STORE=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Upsert implements VectorStore.
func (m *MemoryStore) Upsert(_ context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("rag: memory upsert: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range docs {
		d.Metadata = maps.Clone(d.Metadata)
		m.entries[d.ID] = memoryEntry{doc: d, embedding: append([]float32(nil), embeddings[i]...)}
	}
	return nil
}

// Search implements VectorStore.
func (m *MemoryStore) Search(ctx context.Context, query []float32, topK int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Document, 0, len(m.entries))
	for _, e := range m.entries {
		d := e.doc
		d.Metadata = maps.Clone(e.doc.Metadata)
		d.Score = cosine(query, e.embedding)
		out = append(out, d)
	}
	m.mu.RUnlock()
	return rankTopK(out, topK), nil
}

// Delete implements VectorStore.
func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

// Close implements VectorStore.
func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
