// Package session carries upstream credentials between browser requests.
// The browser only ever holds a signed session id; the bearer token and API
// key stay server side in a Store.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/dashboard/internal/platform/upstream"
)

var (
	// ErrSessionNotFound means the id is unknown or the session has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSession means the session cookie failed verification.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is one logged-in browser.
type Session struct {
	ID          string               `json:"id"`
	Credentials upstream.Credentials `json:"credentials"`
	CreatedAt   time.Time            `json:"created_at"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Store persists sessions by id.
type Store interface {
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}
