package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/ingestion"
	"github.com/54b3r/ragent/internal/logging"
)

// NewIngestCmd constructs the `ragent ingest` command, which loads a
// directory of documents, splits it into chunks, and stores their embeddings
// in the vector index.
func NewIngestCmd() *cobra.Command {
	var (
		chunkSize    int
		chunkOverlap int
		batchSize    int
		persistDir   string
	)

	cmd := &cobra.Command{
		Use:   "ingest INPUT_DIR",
		Short: "Index a directory of documents into the vector store",
		Long: `Walk INPUT_DIR recursively and index every file into the vector store.

Files are loaded by extension: .txt, .md, .html/.htm, .csv, .json and .xml
have dedicated loaders; anything else is read as plain text. Hidden files
are ignored and unreadable files are skipped with a warning.

Chunk ids are derived from the file path and chunk position, so running
ingest again over the same directory updates the index in place.

Vector store selection:
  RAGENT_VECTOR_STORE  local (default), qdrant, or memory
  RAGENT_PERSIST_DIR   directory of the local index (default: ./ragent_db)
  QDRANT_*             connection settings for the qdrant store

Examples:
  ragent ingest ./docs
  ragent ingest --chunk-size 800 --chunk-overlap 100 ./handbook
  RAGENT_VECTOR_STORE=qdrant ragent ingest ./docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)
			out := cmd.OutOrStdout()

			s := *settings
			if cmd.Flags().Changed("persist-dir") {
				s.PersistDir = persistDir
			}
			if !cmd.Flags().Changed("chunk-size") {
				chunkSize = s.ChunkSize
			}
			if !cmd.Flags().Changed("chunk-overlap") {
				chunkOverlap = s.ChunkOverlap
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = s.BatchSize
			}

			emb, err := newEmbedder(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			vectors, err := openVectorStore(ctx, &s, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer vectors.Close()

			pipeline, err := ingestion.NewPipeline(emb, vectors, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
				BatchSize:    batchSize,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			stats, err := pipeline.Ingest(ctx, args[0], func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if stats.Chunks == 0 {
				fmt.Fprintln(out, "No documents found to ingest.")
				return nil
			}

			log.Info("ingestion complete",
				slog.Int("files", stats.Files),
				slog.Int("skipped", stats.Skipped),
				slog.Int("documents", stats.Documents),
				slog.Int("chunks", stats.Chunks),
				slog.Int("batches", stats.Batches),
			)
			fmt.Fprintf(out, "Ingestion complete! %d chunks from %d files", stats.Chunks, stats.Files)
			if stats.Skipped > 0 {
				fmt.Fprintf(out, " (%d skipped)", stats.Skipped)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingestion.DefaultChunkSize, "Maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", ingestion.DefaultChunkOverlap, "Characters shared by neighbouring chunks (0 disables overlap)")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingestion.DefaultBatchSize, "Chunks per embedding request")
	cmd.Flags().StringVar(&persistDir, "persist-dir", "", "Directory of the local index (overrides RAGENT_PERSIST_DIR)")

	return cmd
}
