package store

import (
	"context"
	"testing"
	"time"

	"campusportal/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisSessions(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, ""), mr
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisSessions(t)
	now := time.Now().UTC().Truncate(time.Second)
	sess := domain.Session{
		Token:     "tok",
		UserID:    "u1",
		Username:  "alice",
		CreatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("portal:session:tok") {
		t.Fatalf("expected prefixed key in redis")
	}
	got, ok, err := s.GetSession(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got.UserID != "u1" || got.Username != "alice" || !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestRedisSessionStoreSetDisplayNameKeepsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisSessions(t)
	now := time.Now().UTC()
	_ = s.SaveSession(ctx, domain.Session{Token: "tok", UserID: "u1", Username: "alice", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	mr.FastForward(10 * time.Minute)
	before := mr.TTL("portal:session:tok")

	if err := s.SetDisplayName(ctx, "tok", "Alice Liddell"); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	if after := mr.TTL("portal:session:tok"); after != before {
		t.Fatalf("ttl changed from %v to %v", before, after)
	}
	got, ok, _ := s.GetSession(ctx, "tok")
	if !ok || got.DisplayName != "Alice Liddell" {
		t.Fatalf("unexpected session: %+v %v", got, ok)
	}
	if err := s.SetDisplayName(ctx, "missing", "x"); err != nil {
		t.Fatalf("unknown token must be ignored: %v", err)
	}
	if mr.Exists("portal:session:missing") {
		t.Fatalf("unknown token must not be created")
	}
}

func TestRedisSessionStoreExpiresWithKeyTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisSessions(t)
	now := time.Now().UTC()
	_ = s.SaveSession(ctx, domain.Session{Token: "tok", UserID: "u1", ExpiresAt: now.Add(time.Minute)})
	mr.FastForward(2 * time.Minute)
	if _, ok, err := s.GetSession(ctx, "tok"); ok || err != nil {
		t.Fatalf("expected expired session to be absent, got %v %v", ok, err)
	}
}

func TestRedisSessionStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisSessions(t)
	now := time.Now().UTC()
	_ = s.SaveSession(ctx, domain.Session{Token: "tok", UserID: "u1", ExpiresAt: now.Add(time.Minute)})
	for i := 0; i < 2; i++ {
		if err := s.DeleteSession(ctx, "tok"); err != nil {
			t.Fatalf("delete #%d: %v", i, err)
		}
	}
	if err := s.DeleteSession(ctx, ""); err != nil {
		t.Fatalf("empty token delete: %v", err)
	}
}

func TestRedisSessionStoreUnavailable(t *testing.T) {
	s, mr := newTestRedisSessions(t)
	mr.Close()
	if _, _, err := s.GetSession(context.Background(), "tok"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestRedisSessionStoreRejectsExpiredSave(t *testing.T) {
	s, _ := newTestRedisSessions(t)
	err := s.SaveSession(context.Background(), domain.Session{Token: "tok", ExpiresAt: time.Now().Add(-time.Second)})
	if err == nil {
		t.Fatalf("expected error for already expired session")
	}
}
