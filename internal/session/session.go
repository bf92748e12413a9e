// Package session manages wallet connection sessions: per-origin identity,
// expiry, refresh-on-access, and the permission grants a session carries.
package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by SessionStore implementations. An origin
// mismatch deliberately surfaces as ErrNotFound so a caller cannot probe for
// the existence of another origin's session.
var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Session represents one dApp's connection to the router. It is bound to the
// origin that created it; a lookup presenting a different origin is treated
// as not found, never silently rebound.
type Session struct {
	ID          string
	Origin      string
	ChainIDs    []string
	Permissions map[string]ChainPermissions
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastSeenAt  time.Time
}

// ChainPermissions is the per-chain method policy granted to a session. It is
// intentionally an opaque map here; internal/permission defines the
// enumerated grant values and interprets this structure.
type ChainPermissions struct {
	Methods map[string]string // method -> "allow" | "ask" | "deny"
}

// Expired reports whether the session's lifetime has elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Config controls session lifetime and housekeeping behavior shared by every
// SessionStore implementation.
type Config struct {
	// DefaultLifetime is applied to a session created without an explicit
	// lifetime_ms in its connect request.
	DefaultLifetime time.Duration
	// MaxLifetime caps any client-requested lifetime.
	MaxLifetime time.Duration
	// RefreshOnAccess extends a session's expiry each time it is validated.
	// When false, a session expires a fixed lifetime after creation no
	// matter how actively it is used.
	RefreshOnAccess bool
	// SweepInterval controls how often CleanExpired should be invoked by a
	// caller-owned housekeeping goroutine; the store itself never schedules
	// its own sweeps.
	SweepInterval time.Duration
}

// DefaultConfig returns reasonable defaults: 24 hour sessions, capped at 7
// days, refreshed on access, swept every 5 minutes.
func DefaultConfig() Config {
	return Config{
		DefaultLifetime: 24 * time.Hour,
		MaxLifetime:     7 * 24 * time.Hour,
		RefreshOnAccess: true,
		SweepInterval:   5 * time.Minute,
	}
}

// Store is the abstract persistence boundary for sessions. Implementations
// must enforce origin-binding: Get and ValidateAndRefresh return ErrNotFound
// (never leak existence) when the presented origin does not match the
// session's creating origin.
type Store interface {
	// Create inserts a new session, bound to origin, expiring at expiresAt.
	Create(ctx context.Context, sess *Session) error

	// Get looks up a session by id, scoped to origin. Returns ErrNotFound if
	// the id is unknown or belongs to a different origin.
	Get(ctx context.Context, id, origin string) (*Session, error)

	// ValidateAndRefresh looks up a session (scoped to origin), rejects it if
	// expired, and, when the store is configured with RefreshOnAccess,
	// resets its expiry to now plus the configured lifetime and updates
	// LastSeenAt.
	ValidateAndRefresh(ctx context.Context, id, origin string) (*Session, error)

	// UpdatePermissions overwrites the stored permission grants for a session.
	UpdatePermissions(ctx context.Context, id, origin string, perms map[string]ChainPermissions) error

	// Delete removes a session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id, origin string) error

	// GetAll returns every non-expired session, regardless of origin. Used by
	// router-side administrative operations, never exposed to a dApp.
	GetAll(ctx context.Context) ([]*Session, error)

	// CleanExpired removes all sessions whose expiry has passed and reports
	// how many were removed.
	CleanExpired(ctx context.Context) (int, error)

	// Clear removes every session. Used in tests and on explicit shutdown.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
