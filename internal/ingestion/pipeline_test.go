package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/54b3r/ragent/internal/rag"
)

// countingEmbedder returns a constant unit vector and records batch sizes.
type countingEmbedder struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.batches = append(e.batches, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPipeline(nil, rag.NewMemoryStore(), nil); err == nil {
		t.Error("want error for nil embedder")
	}
	if _, err := NewPipeline(&countingEmbedder{}, nil, nil); err == nil {
		t.Error("want error for nil store")
	}

	p, err := NewPipeline(&countingEmbedder{}, rag.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if p.cfg.ChunkSize != DefaultChunkSize || p.cfg.ChunkOverlap != DefaultChunkOverlap || p.cfg.BatchSize != DefaultBatchSize {
		t.Errorf("defaults not applied: %+v", p.cfg)
	}
}

func TestNewPipeline_ChunkOverlap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero disables overlap", 0, 0},
		{"negative selects default", -1, DefaultChunkOverlap},
		{"explicit", 20, 20},
	}
	for _, tt := range tests {
		p, err := NewPipeline(&countingEmbedder{}, rag.NewMemoryStore(), &Config{ChunkSize: 100, ChunkOverlap: tt.in})
		if err != nil {
			t.Fatalf("%s: NewPipeline: %v", tt.name, err)
		}
		if p.cfg.ChunkOverlap != tt.want || p.splitter.ChunkOverlap != tt.want {
			t.Errorf("%s: overlap got cfg=%d splitter=%d, want %d",
				tt.name, p.cfg.ChunkOverlap, p.splitter.ChunkOverlap, tt.want)
		}
	}

	// Without overlap no word is repeated across chunks.
	p, err := NewPipeline(&countingEmbedder{}, rag.NewMemoryStore(), &Config{ChunkSize: 12, ChunkOverlap: 0})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	chunks := p.splitter.Split("one two three four five six seven eight")
	seen := map[string]bool{}
	for _, c := range chunks {
		for _, w := range strings.Fields(c) {
			if seen[w] {
				t.Errorf("word %q appears in more than one chunk: %q", w, chunks)
			}
			seen[w] = true
		}
	}
}

func TestPipeline_Ingest(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{
		"one.txt":  "alpha",
		"two.md":   "bravo",
		"rows.csv": "k\nx\ny\n",
	})
	emb := &countingEmbedder{}
	store := rag.NewMemoryStore()
	p, err := NewPipeline(emb, store, &Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	var progress []string
	stats, err := p.Ingest(context.Background(), dir, func(msg string) { progress = append(progress, msg) })
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	want := Stats{Files: 3, Documents: 4, Chunks: 4, Batches: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if store.Len() != 4 {
		t.Errorf("store holds %d chunks, want 4", store.Len())
	}
	if len(emb.batches) != 2 || emb.batches[0] != 2 || emb.batches[1] != 2 {
		t.Errorf("embed batches = %v, want [2 2]", emb.batches)
	}
	if !strings.Contains(progress[len(progress)-1], "2/2") {
		t.Errorf("last progress message = %q", progress[len(progress)-1])
	}

	// Re-ingesting overwrites rather than duplicates.
	if _, err := p.Ingest(context.Background(), dir, nil); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if store.Len() != 4 {
		t.Errorf("after re-ingest store holds %d chunks, want 4", store.Len())
	}
}

func TestPipeline_Chunk_Metadata(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(&countingEmbedder{}, rag.NewMemoryStore(), &Config{ChunkSize: 10, ChunkOverlap: 1})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	docs := []SourceDocument{
		{Source: "r.csv", FileType: "csv", Content: "aaaa bbbb cccc", Metadata: map[string]string{"row": "0"}},
		{Source: "r.csv", FileType: "csv", Content: "dddd", Metadata: map[string]string{"row": "1"}},
	}
	chunks := p.Chunk(docs)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if c.Metadata[MetaChunkIndex] != string(rune('0'+i)) {
			t.Errorf("chunk %d index = %q", i, c.Metadata[MetaChunkIndex])
		}
		if c.Metadata[MetaSource] != "r.csv" || c.Metadata[MetaFileType] != "csv" || c.Source != "r.csv" {
			t.Errorf("chunk %d metadata = %v", i, c.Metadata)
		}
		if _, err := uuid.Parse(c.ID); err != nil {
			t.Errorf("chunk %d id %q is not a uuid", i, c.ID)
		}
	}
	if chunks[2].Metadata["row"] != "1" {
		t.Errorf("row metadata not carried: %v", chunks[2].Metadata)
	}
	if chunkID("r.csv", 0) != chunks[0].ID {
		t.Error("chunk ids must be deterministic")
	}
}

func TestPipeline_Ingest_Empty(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{"blank.txt": "   \n"})
	emb := &countingEmbedder{}
	p, _ := NewPipeline(emb, rag.NewMemoryStore(), nil)

	stats, err := p.Ingest(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if stats.Chunks != 0 || len(emb.batches) != 0 {
		t.Errorf("want nothing ingested, got %+v and %d embed calls", stats, len(emb.batches))
	}
}

func TestPipeline_Ingest_EmbedFailure(t *testing.T) {
	t.Parallel()

	dir := writeTree(t, map[string]string{"a.txt": "alpha"})
	boom := errors.New("embedding service down")
	p, _ := NewPipeline(&countingEmbedder{err: boom}, rag.NewMemoryStore(), nil)

	if _, err := p.Ingest(context.Background(), dir, nil); !errors.Is(err, boom) {
		t.Errorf("want wrapped embed error, got %v", err)
	}
}
