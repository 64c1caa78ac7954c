package session

import (
	"context"
	"testing"
	"time"

	"studioops/api/internal/identity"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	principal := identity.Principal{ID: "prin_1", Email: "ava@studio.example", DisplayName: "Ava"}

	if err := store.SaveRefreshSession(ctx, "hash-1", principal, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	loaded, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if loaded != principal {
		t.Fatalf("expected principal %+v, got %+v", principal, loaded)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	principal := identity.Principal{ID: "prin_2", Email: "sam@studio.example"}

	if err := store.SaveRefreshSession(ctx, "expired", principal, time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := store.LookupRefreshSession(ctx, "expired"); err == nil {
		t.Error("expected error for expired session, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	principal := identity.Principal{ID: "prin_3", Email: "lee@studio.example"}

	if err := store.SaveRefreshSession(ctx, "hash-3", principal, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-3"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-3"); err == nil {
		t.Error("expected error for revoked session, got nil")
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if err := store.RevokeRefreshSession(context.Background(), "missing"); err != nil {
		t.Errorf("RevokeRefreshSession for missing session failed: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	principal := identity.Principal{ID: "prin_4", Email: "kim@studio.example"}

	if err := store.SaveRefreshSession(ctx, "hash-4", principal, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-4"); err == nil {
		t.Error("expected expired session to be rejected")
	}

	if err := store.SaveRefreshSession(ctx, "hash-5", principal, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	loaded, err := store.LookupRefreshSession(ctx, "hash-5")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if loaded.ID != "prin_4" {
		t.Fatalf("expected prin_4, got %s", loaded.ID)
	}
}
