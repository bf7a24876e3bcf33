package conversation

import (
	"context"
	"sync"
	"time"
)

// Session is one conversation: a stable identifier and the ordered transcript
// of every message exchanged under it.
type Session struct {
	// ID identifies the session across turns and processes.
	ID string `json:"session_id"`
	// Transcript is the ordered message history. It only ever grows.
	Transcript []Message `json:"transcript"`
	// CreatedAt is when the session was first seeded.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the last turn was committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns a session seeded with the given system prompt. An empty
// prompt yields an empty transcript.
func NewSession(id, systemPrompt string) *Session {
	now := time.Now().UTC()
	s := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	if systemPrompt != "" {
		s.Transcript = []Message{SystemMessage(systemPrompt)}
	}
	return s
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Transcript = CloneMessages(s.Transcript)
	return &c
}

// LastMessage returns the final transcript entry and whether one exists.
func (s *Session) LastMessage() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// SessionStore persists sessions between turns. Load returns
// ErrSessionNotFound for an id that has never been saved.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
}

// MemoryStore is a process-local SessionStore. Sessions are copied on the way
// in and out so callers never share transcript memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Load implements SessionStore.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Save implements SessionStore.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
