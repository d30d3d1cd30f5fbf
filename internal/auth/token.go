// Package auth holds the device's access token for the sync service.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
)

// Session describes the stored credential.
type Session struct {
	Subject string
	// ExpiresAt is zero for opaque tokens or tokens without an exp claim.
	ExpiresAt time.Time
}

// TokenSource stores the access token issued to this device. It never
// refreshes the token itself; a host replaces it with SetToken.
//
// Tokens are parsed without signature verification: the device only reads
// the expiry, the server remains the one that validates.
type TokenSource struct {
	mu      sync.RWMutex
	token   string
	session Session
	now     func() time.Time
	leeway  time.Duration
	store   TokenStore
}

// NewTokenSource creates an empty TokenSource. leeway treats tokens that
// expire within that window as already expired.
func NewTokenSource(leeway time.Duration) *TokenSource {
	return &TokenSource{now: time.Now, leeway: leeway}
}

// Persist attaches store. A token already held is written to it; otherwise
// the stored token, if any, is restored.
func (s *TokenSource) Persist(store TokenStore) error {
	s.mu.Lock()
	held := s.token
	s.store = store
	s.mu.Unlock()

	if held != "" {
		return store.Save(held)
	}
	token, err := store.Load()
	if err != nil {
		return err
	}
	if token != "" {
		s.SetToken(token)
		logging.Info("Restored stored session")
	}
	return nil
}

// SetToken stores token. JWTs have their subject and expiry recorded; other
// tokens are kept as opaque bearer strings. An empty token signs out.
func (s *TokenSource) SetToken(token string) {
	var session Session
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		session.Subject = claims.Subject
		if claims.ExpiresAt != nil {
			session.ExpiresAt = claims.ExpiresAt.Time
		}
	} else if token != "" {
		logging.Debug("Access token is not a JWT, storing as opaque")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.session = session

	if s.store == nil {
		return
	}
	var err error
	if token == "" {
		err = s.store.Remove()
	} else {
		err = s.store.Save(token)
	}
	if err != nil {
		logging.Error("Failed to persist session", err)
	}
}

// Clear removes the stored token.
func (s *TokenSource) Clear() {
	s.SetToken("")
}

// IsAuthenticated reports whether a session exists. An expired token still
// counts: the pass runs and fails with TokenExpiredError so the host can
// prompt for sign-in.
func (s *TokenSource) IsAuthenticated(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Session returns the stored session details.
func (s *TokenSource) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Token returns the bearer token, or an AuthenticationError when none is
// stored and a TokenExpiredError when it has expired.
func (s *TokenSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", syncerrors.NewAuthenticationError(nil)
	}
	if !s.session.ExpiresAt.IsZero() && !s.now().Add(s.leeway).Before(s.session.ExpiresAt) {
		return "", syncerrors.NewTokenExpiredError(nil)
	}
	return s.token, nil
}
