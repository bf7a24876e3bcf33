// Package ingestion implements the document ingestion pipeline behind
// `ragent ingest`. It walks an input directory, extracts plain text from each
// file, splits it with a recursive character splitter, embeds the chunks in
// batches and upserts them into the vector store.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/54b3r/ragent/internal/logging"
	"github.com/54b3r/ragent/internal/rag"
)

// DefaultBatchSize is the number of chunks embedded and upserted together.
const DefaultBatchSize = 100

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by neighbouring chunks.
	// Zero disables overlap; a negative value selects DefaultChunkOverlap.
	ChunkOverlap int

	// BatchSize is the number of chunks per embed/upsert call.
	// Defaults to DefaultBatchSize if zero.
	BatchSize int
}

// Stats reports what one Ingest call did.
type Stats struct {
	Files     int
	Skipped   int
	Documents int
	Chunks    int
	Batches   int
}

// Pipeline orchestrates the load → split → embed → upsert flow for a
// directory of documents.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded chunks.
	store rag.VectorStore

	// cfg holds the resolved pipeline configuration.
	cfg Config

	splitter *Splitter
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	resolved := Config{ChunkOverlap: -1}
	if cfg != nil {
		resolved = *cfg
	}
	if resolved.ChunkSize <= 0 {
		resolved.ChunkSize = DefaultChunkSize
	}
	if resolved.ChunkOverlap < 0 {
		resolved.ChunkOverlap = DefaultChunkOverlap
	}
	if resolved.BatchSize <= 0 {
		resolved.BatchSize = DefaultBatchSize
	}
	splitter := NewSplitter(resolved.ChunkSize, resolved.ChunkOverlap)
	resolved.ChunkOverlap = splitter.ChunkOverlap

	return &Pipeline{
		embedder: embedder,
		store:    store,
		cfg:      resolved,
		splitter: splitter,
	}, nil
}

// Ingest loads every file under dir and stores its chunks. Files that cannot
// be loaded are skipped; an embedding or upsert failure aborts the run and
// is returned, leaving earlier batches stored. Chunk ids are derived from the
// source path and chunk position, so re-ingesting a directory overwrites the
// chunks it stored before. Progress is reported via the optional callback.
// A zero Stats.Chunks with a nil error means there was nothing to ingest.
func (p *Pipeline) Ingest(ctx context.Context, dir string, progress func(msg string)) (Stats, error) {
	if progress == nil {
		progress = func(string) {}
	}
	log := logging.FromContext(ctx)

	progress(fmt.Sprintf("loading files from %s", dir))
	loaded, err := LoadDirectory(ctx, dir)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Files:     loaded.Files,
		Skipped:   len(loaded.Skipped),
		Documents: len(loaded.Documents),
	}
	progress(fmt.Sprintf("loaded %d documents from %d files (%d skipped)", stats.Documents, stats.Files, stats.Skipped))

	progress("splitting documents into chunks")
	chunks := p.Chunk(loaded.Documents)
	stats.Chunks = len(chunks)
	if len(chunks) == 0 {
		return stats, nil
	}

	total := (len(chunks) + p.cfg.BatchSize - 1) / p.cfg.BatchSize
	progress(fmt.Sprintf("processing %d chunks in %d batches", len(chunks), total))
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(start+p.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Content
		}
		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("ingestion: embedding batch %d: %w", stats.Batches+1, err)
		}
		if len(embeddings) != len(batch) {
			return stats, fmt.Errorf("ingestion: embedding batch %d: got %d vectors for %d chunks", stats.Batches+1, len(embeddings), len(batch))
		}
		if err := p.store.Upsert(ctx, batch, embeddings); err != nil {
			return stats, fmt.Errorf("ingestion: upsert batch %d: %w", stats.Batches+1, err)
		}

		stats.Batches++
		log.Debug("ingestion: batch stored",
			slog.Int("batch", stats.Batches),
			slog.Int("of", total),
			slog.Int("chunks", len(batch)),
		)
		progress(fmt.Sprintf("stored batch %d/%d", stats.Batches, total))
	}
	return stats, nil
}

// Chunk splits documents into vector store documents carrying source,
// file_type and chunk_index metadata. chunk_index counts across all
// documents of one source file.
func (p *Pipeline) Chunk(docs []SourceDocument) []rag.Document {
	var out []rag.Document
	perSource := make(map[string]int)
	for _, doc := range docs {
		for _, text := range p.splitter.Split(doc.Content) {
			idx := perSource[doc.Source]
			perSource[doc.Source]++
			out = append(out, rag.Document{
				ID:       chunkID(doc.Source, idx),
				Content:  text,
				Source:   doc.Source,
				Metadata: chunkMetadata(doc, idx),
			})
		}
	}
	return out
}

// chunkID derives a deterministic UUID for a chunk so that both Qdrant (which
// requires UUID or integer point ids) and the SQLite store accept it.
func chunkID(source string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(index))).String()
}
