package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusportal/pkg/domain"
)

// MemoryStore keeps records in-process for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User    // key: user ID
	names    map[string]string         // username -> user ID
	emails   map[string]string         // email -> user ID
	profiles map[string]domain.Profile // key: user ID
	images   []domain.GalleryImage
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		names:    make(map[string]string),
		emails:   make(map[string]string),
		profiles: make(map[string]domain.Profile),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[u.Username]; ok {
		return ErrDuplicate
	}
	if _, ok := m.emails[u.Email]; ok {
		return ErrDuplicate
	}
	m.users[u.ID] = u
	m.names[u.Username] = u.ID
	m.emails[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) HasUsernameOrEmail(_ context.Context, username, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.names[username]; ok {
		return true, nil
	}
	_, ok := m.emails[email]
	return ok, nil
}

func (m *MemoryStore) GetProfileByUserID(_ context.Context, userID string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p domain.Profile) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[p.UserID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	m.profiles[p.UserID] = p
	return p, nil
}

// ProfileCount reports how many profile records exist for userID (0 or 1).
func (m *MemoryStore) ProfileCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.profiles[userID]; ok {
		return 1
	}
	return 0
}

func (m *MemoryStore) AddGalleryImage(_ context.Context, img domain.GalleryImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, img)
	return nil
}

func (m *MemoryStore) ListGalleryImages(_ context.Context) ([]domain.GalleryImage, error) {
	m.mu.RLock()
	res := make([]domain.GalleryImage, len(m.images))
	copy(res, m.images)
	m.mu.RUnlock()
	// equal timestamps resolve to the most recent insert
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) Close() error { return nil }

// MemorySessionStore keeps sessions in-process.
type MemorySessionStore struct {
	mu   sync.RWMutex
	sess map[string]domain.Session
	now  func() time.Time
}

// NewMemorySessionStore initializes an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sess: make(map[string]domain.Session), now: time.Now}
}

// SetClock overrides the clock used for expiry checks.
func (m *MemorySessionStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemorySessionStore) SaveSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess[s.Token] = s
	return nil
}

func (m *MemorySessionStore) GetSession(_ context.Context, token string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sess[token]
	if !ok || s.Expired(m.now()) {
		return domain.Session{}, false, nil
	}
	return s, true, nil
}

func (m *MemorySessionStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sess, token)
	return nil
}

func (m *MemorySessionStore) SetDisplayName(_ context.Context, token, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sess[token]
	if !ok {
		return nil
	}
	s.DisplayName = name
	m.sess[token] = s
	return nil
}

func (m *MemorySessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, s := range m.sess {
		if s.Expired(now) {
			delete(m.sess, token)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions, expired ones included.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sess)
}
