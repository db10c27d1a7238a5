package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTokenInvalid is returned for an unknown or expired session token
	ErrTokenInvalid = errors.New("invalid or expired token")
)

// Session is an authenticated operator session
type Session struct {
	Token     string
	TenantID  string
	ActorID   string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session has passed its expiry
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionTokens manages bearer tokens for the operator API. Tokens are
// held in memory only; a restart invalidates all sessions.
type SessionTokens struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionTokens creates a session registry with the given lifetime
func NewSessionTokens(ttl time.Duration) *SessionTokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionTokens{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// Generate mints a session token for an actor
func (st *SessionTokens) Generate(tenantID, actorID, role string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	s := &Session{
		Token:     hex.EncodeToString(raw),
		TenantID:  tenantID,
		ActorID:   actorID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(st.ttl),
	}

	st.mu.Lock()
	st.sessions[s.Token] = s
	st.mu.Unlock()
	return s, nil
}

// Validate resolves a token to its session
func (st *SessionTokens) Validate(token string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[token]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrTokenInvalid
	}
	if s.Expired(time.Now().UTC()) {
		st.Revoke(token)
		return nil, ErrTokenInvalid
	}
	return s, nil
}

// Revoke removes a session
func (st *SessionTokens) Revoke(token string) {
	st.mu.Lock()
	delete(st.sessions, token)
	st.mu.Unlock()
}

// CleanupExpired removes expired sessions and returns how many were
// dropped
func (st *SessionTokens) CleanupExpired() int {
	now := time.Now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for token, s := range st.sessions {
		if s.Expired(now) {
			delete(st.sessions, token)
			removed++
		}
	}
	return removed
}
