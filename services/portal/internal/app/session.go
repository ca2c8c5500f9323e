package app

import (
	"context"
	"fmt"
	"time"

	"campusportal/internal/util"
	"campusportal/pkg/domain"
	"campusportal/pkg/store"
)

// DefaultSessionTTL is the fixed lifetime of a session from creation.
const DefaultSessionTTL = 72 * time.Hour

// SessionManager issues and resolves opaque server-side session tokens.
type SessionManager struct {
	store store.SessionStore
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionManager wraps a session store. A non-positive ttl selects DefaultSessionTTL.
func NewSessionManager(s store.SessionStore, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{store: s, ttl: ttl, now: time.Now}
}

// TTL returns the session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create persists a new session and returns its token.
func (m *SessionManager) Create(ctx context.Context, userID, username, displayName string) (string, error) {
	token, err := util.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	now := m.now().UTC()
	sess := domain.Session{
		Token:       token,
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return "", storageErr("save session", err)
	}
	return token, nil
}

// Resolve maps a token to its identity. Absent or expired tokens yield ok=false.
func (m *SessionManager) Resolve(ctx context.Context, token string) (domain.Identity, bool, error) {
	if token == "" {
		return domain.Identity{}, false, nil
	}
	sess, ok, err := m.store.GetSession(ctx, token)
	if err != nil {
		return domain.Identity{}, false, storageErr("get session", err)
	}
	if !ok || sess.Expired(m.now()) {
		return domain.Identity{}, false, nil
	}
	return sess.Identity(), true, nil
}

// Destroy removes the session. Empty and unknown tokens are accepted.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.store.DeleteSession(ctx, token); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// SetDisplayName refreshes the cached display name; expiry is unchanged.
func (m *SessionManager) SetDisplayName(ctx context.Context, token, name string) error {
	if token == "" {
		return nil
	}
	if err := m.store.SetDisplayName(ctx, token, name); err != nil {
		return storageErr("set session display name", err)
	}
	return nil
}

// Sweep deletes expired sessions when the backend has no native expiry.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	sweeper, ok := m.store.(store.ExpiredSessionSweeper)
	if !ok {
		return 0, nil
	}
	n, err := sweeper.DeleteExpiredSessions(ctx, m.now().UTC())
	if err != nil {
		return 0, storageErr("sweep sessions", err)
	}
	return n, nil
}
