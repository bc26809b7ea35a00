// Package session keeps per-conversation transcripts in memory.
//
// A session is created on its first turn and grows by one user turn
// and, when the webhook answers, one agent turn per exchange. Nothing
// here survives a restart. The store enforces an optional retention
// policy: a cap on turns per session and eviction of idle sessions.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one entry in a transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID        string    `json:"id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options configure retention. Zero values disable the corresponding limit.
type Options struct {
	MaxTurns int
	IdleTTL  time.Duration
	Logger   *slog.Logger
}

// Store is a concurrency-safe map of session ID to transcript.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxTurns int
	idleTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		maxTurns: opts.MaxTurns,
		idleTTL:  opts.IdleTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// NewID mints a session identifier. UUIDv7 is time-ordered, so IDs sort
// by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Resolve returns id when it names a known session. Otherwise it
// creates a new empty session under a freshly minted ID and returns
// that ID with created=true.
func (s *Store) Resolve(id string) (resolved string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, ok := s.sessions[id]; ok {
			return id, false
		}
	}

	id = NewID()
	now := s.now()
	s.sessions[id] = &Session{
		ID:        id,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, true
}

// Append adds a turn to the session, creating the session if it was
// evicted in the meantime. Returns the transcript length afterwards.
func (s *Store) Append(id string, role Role, text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}

	sess.Turns = append(sess.Turns, Turn{Role: role, Text: text, Timestamp: now})
	sess.UpdatedAt = now

	if s.maxTurns > 0 && len(sess.Turns) > s.maxTurns {
		drop := len(sess.Turns) - s.maxTurns
		sess.Turns = append([]Turn(nil), sess.Turns[drop:]...)
	}
	return len(sess.Turns)
}

// Get returns a copy of the session, or false if it does not exist.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.copy(), true
}

// Exists reports whether id names a live session.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Delete removes a session. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Prune evicts sessions idle for longer than the configured TTL and
// returns how many were removed. It is a no-op when IdleTTL is zero.
func (s *Store) Prune() int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes idle sessions every interval until ctx is done.
// It returns immediately when eviction is disabled.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.logger.Debug("idle sessions evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (sess *Session) copy() Session {
	out := *sess
	out.Turns = make([]Turn, len(sess.Turns))
	copy(out.Turns, sess.Turns)
	return out
}
