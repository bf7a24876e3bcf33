package rag

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/ragent/internal/logging"
)

// SQLiteStore is a VectorStore persisted in a single local SQLite file.
// Search is a brute-force cosine scan, which is adequate for the
// personal-sized corpora ragent ingests without running a vector database.
type SQLiteStore struct {
	db *sql.DB
}

// LocalIndexPath returns the index file location inside persistDir, creating
// the directory if needed.
func LocalIndexPath(persistDir string) (string, error) {
	if err := os.MkdirAll(persistDir, 0o700); err != nil {
		return "", fmt.Errorf("rag: could not create %s: %w", persistDir, err)
	}
	return filepath.Join(persistDir, "index.db"), nil
}

// OpenSQLiteStore opens (or creates) the index at path. Use ":memory:" in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("rag: open index %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    source     TEXT NOT NULL,
    metadata   TEXT NOT NULL,  -- JSON object of string values
    embedding  BLOB NOT NULL   -- little-endian float32
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks (source);
`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rag: migrate index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert implements VectorStore. The batch is written in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("rag: sqlite upsert: %d documents but %d embeddings", len(docs), len(embeddings))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rag: sqlite upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO chunks (id, content, source, metadata, embedding) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET content = excluded.content, source = excluded.source,
    metadata = excluded.metadata, embedding = excluded.embedding`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("rag: sqlite upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for i, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("rag: sqlite upsert: metadata for %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Content, d.Source, string(meta), encodeVector(embeddings[i])); err != nil {
			return fmt.Errorf("rag: sqlite upsert %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rag: sqlite upsert: commit: %w", err)
	}
	return nil
}

// Search implements VectorStore. Rows whose stored dimension differs from
// the query are skipped; this happens when the embedding model changes
// without re-ingesting.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, topK int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, source, metadata, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("rag: sqlite search: %w", err)
	}
	defer rows.Close()

	var (
		out     []Document
		skipped int
	)
	for rows.Next() {
		var (
			d    Document
			meta string
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.Content, &d.Source, &meta, &blob); err != nil {
			return nil, fmt.Errorf("rag: sqlite search scan: %w", err)
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			skipped++
			continue
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("rag: sqlite search: metadata for %s: %w", d.ID, err)
		}
		d.Score = cosine(query, vec)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rag: sqlite search rows: %w", err)
	}

	if skipped > 0 {
		logging.FromContext(ctx).Warn("rag: skipped chunks with mismatched embedding dimension",
			slog.Int("skipped", skipped),
			slog.Int("query_dim", len(query)),
		)
	}
	return rankTopK(out, topK), nil
}

// Delete implements VectorStore.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("rag: sqlite delete %s: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("rag: sqlite count: %w", err)
	}
	return n, nil
}

// Ping reports whether the index file is readable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements VectorStore.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("rag: sqlite close: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
