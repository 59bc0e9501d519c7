// Package session issues, validates and expires dashboard login sessions.
// These are local to the dashboard and unrelated to upstream qBittorrent
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/qbitgate/auth"
	"github.com/s0up4200/qbitgate/store"
)

const (
	// DefaultTTL is the lifetime of a dashboard session.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultSweepInterval is how often expired rows are deleted.
	DefaultSweepInterval = time.Hour

	tokenBytes = 32
)

// Store is the persistence the manager needs.
type Store interface {
	CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval sets the background cleanup interval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager handles dashboard sessions.
type Manager struct {
	store         Store
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewManager creates a session manager over st.
func NewManager(st Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:         st,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logger.With().Str("component", "session").Logger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create issues a new opaque session id for userID.
func (m *Manager) Create(ctx context.Context, userID int64) (string, error) {
	id, err := auth.NewToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	if err := m.store.CreateSession(ctx, id, userID, m.now().Add(m.ttl)); err != nil {
		return "", err
	}

	return id, nil
}

// Validate returns the user owning id. Expiry is checked here on every call;
// the background sweep is only cleanup.
func (m *Manager) Validate(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, ErrInvalid
	}

	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrInvalid
	}
	if err != nil {
		return 0, err
	}

	if !m.now().Before(time.Unix(sess.ExpiresAt, 0)) {
		return 0, ErrInvalid
	}

	return sess.UserID, nil
}

// Destroy deletes a session. Unknown ids are ignored.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return m.store.DeleteSession(ctx, id)
}

// Sweep deletes every expired session and returns the count removed.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug().Int64("removed", n).Msg("Swept expired sessions")
	}
	return n, nil
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to sweep expired sessions")
	}

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Failed to sweep expired sessions")
			}
		}
	}
}

// Guest validates every request as a single fixed user. It is used when
// dashboard authentication is disabled.
type Guest struct {
	UserID int64
}

// Validate always returns the guest user.
func (g Guest) Validate(context.Context, string) (int64, error) {
	return g.UserID, nil
}
