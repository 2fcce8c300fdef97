package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lyceum.org/internal/ids"
	"lyceum.org/internal/obs"
)

const (
	defaultSessionTTL  = 7 * 24 * time.Hour
	defaultIdleTimeout = 24 * time.Hour
	defaultMaxSessions = 5
	sessionTokenBytes  = 32
	maxUserAgentLength = 512
)

// SessionManager creates, validates and expires user sessions. Expiry is enforced on
// read through Validate; PurgeExpired only reclaims storage.
type SessionManager struct {
	store      SessionStore
	now        func() time.Time
	ttl        time.Duration
	idle       time.Duration
	maxPerUser int
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithSessionTTL sets the default session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIdleTimeout sets the inactivity window.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithMaxSessionsPerUser caps concurrent active sessions per user.
func WithMaxSessionsPerUser(n int) SessionOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.maxPerUser = n
		}
	}
}

func NewSessionManager(store SessionStore, opts ...SessionOption) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	m := &SessionManager{
		store:      store,
		now:        time.Now,
		ttl:        defaultSessionTTL,
		idle:       defaultIdleTimeout,
		maxPerUser: defaultMaxSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create starts a session and returns it with the raw token, which is not stored.
// When the user exceeds the cap, the oldest sessions are invalidated.
func (m *SessionManager) Create(ctx context.Context, userID int64, ip, userAgent string, ttl time.Duration) (Session, string, error) {
	if userID <= 0 {
		return Session{}, "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	token, err := ids.Secret(sessionTokenBytes)
	if err != nil {
		return Session{}, "", err
	}
	now := m.now().UTC()
	userAgent = strings.TrimSpace(userAgent)
	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}
	sess := Session{
		ID:           ids.New(),
		UserID:       userID,
		TokenHash:    hashSecret(token),
		IP:           strings.TrimSpace(ip),
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		Active:       true,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Session{}, "", err
	}
	if err := m.enforceCap(ctx, userID); err != nil {
		return Session{}, "", err
	}
	return sess, token, nil
}

func (m *SessionManager) enforceCap(ctx context.Context, userID int64) error {
	active, err := m.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) <= m.maxPerUser {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	for _, s := range active[:len(active)-m.maxPerUser] {
		if err := m.store.DeactivateSession(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		obs.Logger().WithFields(logrus.Fields{
			"session_id": s.ID,
			"user_id":    userID,
		}).Info("session evicted")
	}
	return nil
}

// Validate reports whether s is active, unexpired and not idle. It has no side effects.
func (m *SessionManager) Validate(s Session) bool {
	now := m.now()
	return s.Active && now.Before(s.ExpiresAt) && now.Sub(s.LastActivity) < m.idle
}

// Check loads a session by id and validates it.
func (m *SessionManager) Check(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrUnauthenticated
	}
	sess, err := m.store.GetSession(ctx, id)
	return m.accept(ctx, sess, err)
}

// Authenticate resolves a raw session token.
func (m *SessionManager) Authenticate(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	sess, err := m.store.GetSessionByTokenHash(ctx, hashSecret(token))
	return m.accept(ctx, sess, err)
}

func (m *SessionManager) accept(ctx context.Context, sess Session, err error) (Session, error) {
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrUnauthenticated
		}
		return Session{}, err
	}
	if !m.Validate(sess) {
		return Session{}, ErrUnauthenticated
	}
	now := m.now().UTC()
	// Activity tracking is advisory; a lost update only shortens the idle window.
	if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
		obs.Logger().WithError(err).WithField("session_id", sess.ID).Warn("session touch failed")
	} else {
		sess.LastActivity = now
	}
	return sess, nil
}

// Invalidate ends one session.
func (m *SessionManager) Invalidate(ctx context.Context, id string) error {
	return m.store.DeactivateSession(ctx, strings.TrimSpace(id))
}

// InvalidateAll ends every active session of a user.
func (m *SessionManager) InvalidateAll(ctx context.Context, userID int64) error {
	active, err := m.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range active {
		if err := m.store.DeactivateSession(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// PurgeExpired deletes sessions that expired or were deactivated.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now().UTC())
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
