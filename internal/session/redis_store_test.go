package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url://"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRevokeAccessToken(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("fresh token reported as revoked")
	}

	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}

	revoked, err = store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}
}

func TestRevocationExpiresWithToken(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-2", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if ttl := s.TTL("revoked:jti-2"); ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	s.FastForward(11 * time.Minute)

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("revocation should expire with the token")
	}
}

func TestRevokeAlreadyExpiredTokenKeepsFloorTTL(t *testing.T) {
	store, s := setupTestRedis(t)

	if err := store.RevokeAccessToken(context.Background(), "jti-3", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if ttl := s.TTL("revoked:jti-3"); ttl != minRevocationTTL {
		t.Fatalf("ttl = %v, want %v", ttl, minRevocationTTL)
	}
}

func TestRevocationIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-a", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-b")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("revoking one token must not revoke another")
	}
}

func TestMemoryStoreRevocation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-1", now.Add(5*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-1"); !revoked {
		t.Fatal("expected revoked")
	}

	now = now.Add(6 * time.Minute)
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-1"); revoked {
		t.Fatal("revocation should lapse after token expiry")
	}
}
