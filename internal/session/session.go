// Package session tracks conversational state. A session is an ordered list
// of turns identified by a UUID; the store keeps sessions in memory for the
// life of the process while the durable conversational memory lives in the
// vector store.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no session exists with the given ID.
var ErrNotFound = errors.New("session: not found")

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. Index is the turn's position in
// the session, assigned on append and never reused.
type Turn struct {
	Role      Role
	Text      string
	Index     int
	CreatedAt time.Time
}

// Session is one conversation. The handling lock serializes message
// processing so a session handles one message at a time; distinct sessions
// proceed concurrently. Turn access is guarded separately so status reads
// never block behind an in-flight generation.
type Session struct {
	ID        string
	CreatedAt time.Time

	handling sync.Mutex
	mu       sync.Mutex
	turns    []Turn
}

// Lock takes the session's message-handling lock.
func (s *Session) Lock() { s.handling.Lock() }

// Unlock releases the session's message-handling lock.
func (s *Session) Unlock() { s.handling.Unlock() }

// Append records a turn and returns it with its assigned index.
func (s *Session) Append(role Role, text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := Turn{
		Role:      role,
		Text:      text,
		Index:     len(s.turns),
		CreatedAt: time.Now().UTC(),
	}
	s.turns = append(s.turns, turn)
	return turn
}

// Turns returns a copy of the session's turns in order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len reports how many turns the session holds.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Store holds sessions in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create starts a new session with a generated ID.
func (st *Store) Create() *Session {
	s := &Session{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get returns the session with the given ID.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetOrCreate returns the existing session or, when id is empty or unknown,
// a fresh one.
func (st *Store) GetOrCreate(id string) *Session {
	if id != "" {
		if s, err := st.Get(id); err == nil {
			return s
		}
	}
	return st.Create()
}

// Clear removes the session with the given ID. Clearing an unknown ID is a
// no-op.
func (st *Store) Clear(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len reports how many sessions are live.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
