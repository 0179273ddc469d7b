// ABOUTME: Bounded per-context collection of open conversation sessions.
// ABOUTME: LRU eviction at capacity; the last session is reset in place, never removed.

// Package session keeps the in-memory state of the conversations a context
// has open. The store never holds fewer than one or more than MaxSessions
// sessions, and exactly one session is active at all times.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSessions bounds how many sessions a context keeps open.
const DefaultMaxSessions = 6

// Session is one open conversation's per-context state. Messages are
// append-only for the life of the session.
type Session struct {
	ID             string
	Messages       []json.RawMessage
	IsThinking     bool
	LastAccessedAt time.Time
	ScrollPosition int
	CreatedAt      time.Time
}

// Store holds a context's sessions. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	creation []string // ids in creation order, oldest first
	activeID string
	max      int
	now      func() time.Time
	newID    func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock injects the clock used for access stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator injects the session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a store already holding its one initial active session.
func NewStore(max int, opts ...Option) *Store {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	s := &Store{
		sessions: make(map[string]*Session),
		max:      max,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	first := s.newSessionLocked()
	s.activeID = first.ID
	return s
}

// Create opens a new session and makes it active. At capacity, the
// non-active session with the smallest LastAccessedAt is evicted first, so
// the count never exceeds the bound.
func (s *Store) Create() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.max {
		s.evictLRULocked()
	}
	sess := s.newSessionLocked()
	s.activeID = sess.ID
	return sess.clone()
}

// Activate switches the active pointer and stamps the access time. Returns
// false for an unknown id.
func (s *Store) Activate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.LastAccessedAt = s.now()
	s.activeID = id
	return true
}

// Close removes a session. Closing the only session resets it in place with
// a fresh identity instead of leaving zero sessions; closing the active
// session activates the most recently created survivor.
func (s *Store) Close(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}

	if len(s.sessions) == 1 {
		s.resetLocked(sess)
		return true
	}

	s.removeLocked(id)
	if s.activeID == id {
		s.activeID = s.creation[len(s.creation)-1]
		s.sessions[s.activeID].LastAccessedAt = s.now()
	}
	return true
}

// Active returns a copy of the active session.
func (s *Store) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[s.activeID].clone()
}

// Get returns a copy of the session with the given id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return sess.clone()
}

// Append adds a message to a session. Returns false when the session does
// not exist in this context.
func (s *Store) Append(id string, message json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Messages = append(sess.Messages, message)
	return true
}

// SetThinking flags a session as awaiting a reply.
func (s *Store) SetThinking(id string, thinking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.IsThinking = thinking
	return true
}

// SetScroll records the consumer's scroll position for a session.
func (s *Store) SetScroll(id string, position int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.ScrollPosition = position
	return true
}

// Contains reports whether this context owns the session.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Len returns the session count, always in [1, max].
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns session ids in creation order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.creation))
	copy(out, s.creation)
	return out
}

func (s *Store) newSessionLocked() *Session {
	now := s.now()
	sess := &Session{
		ID:             s.newID(),
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	s.sessions[sess.ID] = sess
	s.creation = append(s.creation, sess.ID)
	return sess
}

// evictLRULocked removes the non-active session with the smallest
// LastAccessedAt. Must be called with mu held and at least two sessions.
func (s *Store) evictLRULocked() {
	var victim *Session
	for _, sess := range s.sessions {
		if sess.ID == s.activeID {
			continue
		}
		if victim == nil || sess.LastAccessedAt.Before(victim.LastAccessedAt) {
			victim = sess
		}
	}
	if victim != nil {
		s.removeLocked(victim.ID)
	}
}

func (s *Store) removeLocked(id string) {
	delete(s.sessions, id)
	for i, cid := range s.creation {
		if cid == id {
			s.creation = append(s.creation[:i], s.creation[i+1:]...)
			break
		}
	}
}

// resetLocked gives the last remaining session a fresh identity and empty
// state in place.
func (s *Store) resetLocked(sess *Session) {
	delete(s.sessions, sess.ID)
	s.creation = s.creation[:0]

	now := s.now()
	sess.ID = s.newID()
	sess.Messages = nil
	sess.IsThinking = false
	sess.ScrollPosition = 0
	sess.LastAccessedAt = now
	sess.CreatedAt = now

	s.sessions[sess.ID] = sess
	s.creation = append(s.creation, sess.ID)
	s.activeID = sess.ID
}

func (sess *Session) clone() *Session {
	out := *sess
	out.Messages = make([]json.RawMessage, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}
