// Package store provides a SQLite-backed session store for ragent. Each
// session id owns an ordered transcript that survives process restarts, so a
// `ragent chat --session <id>` or an HTTP client can resume a conversation.
//
// Transcripts are append-only: Save writes only the messages beyond those
// already persisted for the session.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/ragent/internal/conversation"
)

// ErrTranscriptShrunk is returned by Save when the session carries fewer
// messages than are already persisted for it.
var ErrTranscriptShrunk = errors.New("store: transcript is shorter than the persisted history")

// ErrTranscriptConflict is returned by Save when the last persisted message
// differs from the session's message at the same position, which happens
// when another process wrote the session after it was loaded.
var ErrTranscriptConflict = errors.New("store: transcript diverged from the persisted history")

// Summary describes a persisted session without its transcript.
type Summary struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Messages is the number of persisted transcript messages.
	Messages int `json:"messages"`
	// Preview is the first human message, truncated.
	Preview string `json:"preview"`
}

// previewRunes bounds Summary.Preview.
const previewRunes = 60

// SQLiteStore is a conversation.SessionStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

var _ conversation.SessionStore = (*SQLiteStore)(nil)

// DefaultDBPath returns the default path for the session database.
// It resolves to ~/.ragent/sessions.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragent")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT    PRIMARY KEY,
    created_at  INTEGER NOT NULL,  -- Unix milliseconds
    updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    session_id    TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq           INTEGER NOT NULL,
    role          TEXT    NOT NULL CHECK(role IN ('system','human','assistant','tool')),
    content       TEXT    NOT NULL,
    tool_calls    TEXT    NOT NULL DEFAULT '',  -- JSON array, empty when absent
    tool_call_id  TEXT    NOT NULL DEFAULT '',
    tool_name     TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Load implements conversation.SessionStore. It returns
// conversation.ErrSessionNotFound for an unknown id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, tool_calls, tool_call_id, tool_name
FROM   messages
WHERE  session_id = ?
ORDER  BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load %s messages: %w", id, err)
	}
	defer rows.Close()

	sess := &conversation.Session{
		ID:        id,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}
	for rows.Next() {
		var m conversation.Message
		var role, calls string
		if err := rows.Scan(&role, &m.Content, &calls, &m.ToolCallID, &m.ToolName); err != nil {
			return nil, fmt.Errorf("store: load scan: %w", err)
		}
		m.Role = conversation.Role(role)
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("store: load %s: decode tool calls: %w", id, err)
			}
		}
		sess.Transcript = append(sess.Transcript, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load rows: %w", err)
	}
	return sess, nil
}

// Save implements conversation.SessionStore. It upserts the session row and
// appends the transcript messages not yet persisted, in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, sess *conversation.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, updated := sess.CreatedAt, sess.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sess.ID, created.UnixMilli(), updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.ID, err)
	}

	var persisted int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sess.ID,
	).Scan(&persisted); err != nil {
		return fmt.Errorf("store: save count: %w", err)
	}
	if len(sess.Transcript) < persisted {
		return fmt.Errorf("%w: session %s has %d messages, %d persisted",
			ErrTranscriptShrunk, sess.ID, len(sess.Transcript), persisted)
	}
	if persisted > 0 {
		if err := checkTail(ctx, tx, sess, persisted-1); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_call_id, tool_name)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: save prepare: %w", err)
	}
	defer stmt.Close()

	for seq := persisted; seq < len(sess.Transcript); seq++ {
		m := sess.Transcript[seq]
		calls, err := encodeCalls(m)
		if err != nil {
			return fmt.Errorf("store: save: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sess.ID, seq, string(m.Role), m.Content, calls, m.ToolCallID, m.ToolName); err != nil {
			return fmt.Errorf("store: save message %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save commit: %w", err)
	}
	return nil
}

// checkTail compares the persisted message at seq with sess.Transcript[seq].
func checkTail(ctx context.Context, tx *sql.Tx, sess *conversation.Session, seq int) error {
	var role, content, calls, callID, toolName string
	if err := tx.QueryRowContext(ctx, `
SELECT role, content, tool_calls, tool_call_id, tool_name
FROM   messages
WHERE  session_id = ? AND seq = ?`, sess.ID, seq,
	).Scan(&role, &content, &calls, &callID, &toolName); err != nil {
		return fmt.Errorf("store: save read message %d: %w", seq, err)
	}

	m := sess.Transcript[seq]
	want, err := encodeCalls(m)
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	if role != string(m.Role) || content != m.Content || calls != want ||
		callID != m.ToolCallID || toolName != m.ToolName {
		return fmt.Errorf("%w: session %s message %d", ErrTranscriptConflict, sess.ID, seq)
	}
	return nil
}

// encodeCalls renders m's tool calls for the tool_calls column.
func encodeCalls(m conversation.Message) (string, error) {
	if len(m.ToolCalls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(b), nil
}

// List returns up to limit sessions, most recently updated first. A limit of
// zero or less returns every session.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.created_at, s.updated_at,
       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
       COALESCE((SELECT content FROM messages m
                 WHERE m.session_id = s.id AND m.role = 'human'
                 ORDER BY m.seq LIMIT 1), '')
FROM   sessions s
ORDER  BY s.updated_at DESC, s.id ASC
LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created, updated int64
		if err := rows.Scan(&sum.ID, &created, &updated, &sum.Messages, &sum.Preview); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(created).UTC()
		sum.UpdatedAt = time.UnixMilli(updated).UTC()
		sum.Preview = truncate(sum.Preview, previewRunes)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}

// Delete removes a session and its transcript. Deleting an unknown id
// returns conversation.ErrSessionNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete messages %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrSessionNotFound
	}
	return tx.Commit()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
