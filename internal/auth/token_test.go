// Package auth tests for the access token store.
package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func newFixedSource(now time.Time, leeway time.Duration) *TokenSource {
	s := NewTokenSource(leeway)
	s.now = func() time.Time { return now }
	return s
}

// TestToken_empty verifies a missing token is an authentication error.
func TestToken_empty(t *testing.T) {
	s := NewTokenSource(0)
	ctx := context.Background()

	if s.IsAuthenticated(ctx) {
		t.Error("IsAuthenticated() = true with no token")
	}
	if _, err := s.Token(ctx); !syncerrors.Is(err, syncerrors.ErrAuthentication) {
		t.Errorf("Token() error = %v, want AUTHENTICATION_ERROR", err)
	}
}

// TestToken_valid verifies a live JWT is returned with its session details.
func TestToken_valid(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newFixedSource(now, time.Minute)
	tok := signToken(t, "user-42", now.Add(time.Hour))
	s.SetToken(tok)

	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != tok {
		t.Error("Token() returned a different token")
	}
	session := s.Session()
	if session.Subject != "user-42" || !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Session() = %+v", session)
	}
}

// TestToken_expired verifies expiry and leeway produce TokenExpiredError.
func TestToken_expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		leeway    time.Duration
	}{
		{"past", now.Add(-time.Minute), 0},
		{"exactly now", now, 0},
		{"within leeway", now.Add(30 * time.Second), time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFixedSource(now, tt.leeway)
			s.SetToken(signToken(t, "u", tt.expiresAt))

			if !s.IsAuthenticated(context.Background()) {
				t.Error("IsAuthenticated() = false for an expired session")
			}
			_, err := s.Token(context.Background())
			se, ok := syncerrors.As(err)
			if !ok || se.Code != syncerrors.ErrTokenExpired || !se.RequiresReauthentication() {
				t.Errorf("Token() error = %v, want TOKEN_EXPIRED", err)
			}
		})
	}
}

// TestToken_opaque verifies non-JWT tokens are used as-is without expiry.
func TestToken_opaque(t *testing.T) {
	s := NewTokenSource(0)
	s.SetToken("opaque-device-token")

	got, err := s.Token(context.Background())
	if err != nil || got != "opaque-device-token" {
		t.Errorf("Token() = %q, %v", got, err)
	}
	if !s.Session().ExpiresAt.IsZero() {
		t.Error("opaque token has an expiry")
	}
}

// TestClear verifies the session is dropped.
func TestClear(t *testing.T) {
	s := NewTokenSource(0)
	s.SetToken("opaque")
	s.Clear()

	if s.IsAuthenticated(context.Background()) {
		t.Error("IsAuthenticated() = true after Clear()")
	}
}
