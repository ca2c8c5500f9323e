package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campusportal/pkg/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultSessionPrefix = "portal:session:"
	redisOpTimeout       = 3 * time.Second
)

// RedisSessionStore keeps sessions in Redis; key TTL tracks session expiry.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisSessionStore builds a Redis-backed session store on a shared client.
func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultSessionPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + token
}

// SaveSession writes the session snapshot with TTL equal to its remaining lifetime.
func (s *RedisSessionStore) SaveSession(ctx context.Context, sess domain.Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("save session: already expired")
	}
	payload, err := json.Marshal(redisSession{
		UserID:      sess.UserID,
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, s.key(sess.Token), payload, ttl).Err()
}

// GetSession resolves token to its session.
func (s *RedisSessionStore) GetSession(ctx context.Context, token string) (domain.Session, bool, error) {
	if token == "" {
		return domain.Session{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	var rs redisSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	sess := rs.toDomain(token)
	if sess.Expired(s.now()) {
		return domain.Session{}, false, nil
	}
	return sess, true, nil
}

// DeleteSession removes a token.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// SetDisplayName rewrites the snapshot in place, keeping the key TTL.
func (s *RedisSessionStore) SetDisplayName(ctx context.Context, token, name string) error {
	sess, ok, err := s.GetSession(ctx, token)
	if err != nil || !ok {
		return err
	}
	sess.DisplayName = name
	payload, err := json.Marshal(redisSession{
		UserID:      sess.UserID,
		Username:    sess.Username,
		DisplayName: sess.DisplayName,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	err = s.client.SetArgs(ctx, s.key(token), payload, redis.SetArgs{KeepTTL: true, Mode: "XX"}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

type redisSession struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (rs redisSession) toDomain(token string) domain.Session {
	return domain.Session{
		Token:       token,
		UserID:      rs.UserID,
		Username:    rs.Username,
		DisplayName: rs.DisplayName,
		CreatedAt:   rs.CreatedAt,
		ExpiresAt:   rs.ExpiresAt,
	}
}
