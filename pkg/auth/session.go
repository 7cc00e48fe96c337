package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a cookie-backed identity, an alternative to bearer tokens
// for browser clients. It stores only the minimal claims needed to
// rebuild an Identity plus the timestamp it was established at.
type Session struct {
	ID            string
	Subject       string
	Type          IdentityType
	Roles         map[string]struct{}
	Permission    Permission
	AuthTimestamp time.Time
}

// SessionStore is an in-memory session table keyed by session ID.
// Sessions older than MaxAge are rejected on lookup and swept
// opportunistically on create.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	maxAge   time.Duration
}

// NewSessionStore builds a store that rejects sessions older than maxAge.
func NewSessionStore(maxAge time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		maxAge:   maxAge,
	}
}

// Create establishes a new session for identity and returns its ID.
func (s *SessionStore) Create(identity Identity) string {
	sess := Session{
		ID:            uuid.NewString(),
		Subject:       identity.Subject,
		Type:          identity.Type,
		Roles:         identity.Roles,
		Permission:    identity.Permission,
		AuthTimestamp: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.sweepLocked()
	s.mu.Unlock()

	return sess.ID
}

// Validate returns the Identity for sessionID, or ErrSessionExpired if
// the session is unknown or past its max age.
func (s *SessionStore) Validate(sessionID string) (*Identity, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionExpired
	}
	if s.maxAge > 0 && time.Since(sess.AuthTimestamp) > s.maxAge {
		s.Clear(sessionID)
		return nil, ErrSessionExpired
	}

	return &Identity{
		Subject:       sess.Subject,
		Type:          sess.Type,
		Roles:         sess.Roles,
		Permission:    sess.Permission,
		AuthTimestamp: sess.AuthTimestamp.Unix(),
	}, nil
}

// Clear removes a session, e.g. on logout.
func (s *SessionStore) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *SessionStore) sweepLocked() {
	if s.maxAge <= 0 {
		return
	}
	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.AuthTimestamp) > s.maxAge {
			delete(s.sessions, id)
		}
	}
}
