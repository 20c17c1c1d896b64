package keymanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newMiniredis starts an in-process fake Redis server, giving the cache
// tests below a fast unit-test counterpart to cache_test.go's
// testcontainers-backed integration test: no Docker, and
// Miniredis.FastForward lets the TTL-expiry test advance time without
// actually sleeping.
func newMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestCachingManagerUnwrapCachesResultMiniredis(t *testing.T) {
	rdb := newMiniredis(t)
	defer rdb.Close()

	inner, err := NewStaticManager()
	if err != nil {
		t.Fatalf("NewStaticManager failed: %v", err)
	}

	cache, err := NewCachingManager(inner, rdb, []byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewCachingManager failed: %v", err)
	}
	defer cache.Close(context.Background())

	env, err := inner.WrapKey(context.Background(), []byte("cached-dek"), "")
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	first, err := cache.UnwrapKey(context.Background(), env, "")
	if err != nil {
		t.Fatalf("first UnwrapKey failed: %v", err)
	}
	if string(first) != "cached-dek" {
		t.Fatalf("first UnwrapKey = %q, want %q", first, "cached-dek")
	}

	if _, err := rdb.Get(context.Background(), cache.cacheKey(env)).Bytes(); err != nil {
		t.Fatalf("expected cache entry to exist after first UnwrapKey: %v", err)
	}

	second, err := cache.UnwrapKey(context.Background(), env, "")
	if err != nil {
		t.Fatalf("second UnwrapKey failed: %v", err)
	}
	if string(second) != "cached-dek" {
		t.Fatalf("second UnwrapKey = %q, want %q", second, "cached-dek")
	}
}

// countingManager wraps a KeyManager and counts UnwrapKey calls, so the
// TTL-expiry test below can tell whether a second UnwrapKey actually fell
// through to the inner manager instead of serving a stale cache hit.
type countingManager struct {
	KeyManager
	unwraps int
}

func (c *countingManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, keyName string) ([]byte, error) {
	c.unwraps++
	return c.KeyManager.UnwrapKey(ctx, envelope, keyName)
}

func TestCachingManagerUnwrapFallsThroughAfterTTLExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	static, err := NewStaticManager()
	if err != nil {
		t.Fatalf("NewStaticManager failed: %v", err)
	}
	inner := &countingManager{KeyManager: static}

	ttl := 30 * time.Second
	cache, err := NewCachingManager(inner, rdb, []byte("test-secret"), ttl)
	if err != nil {
		t.Fatalf("NewCachingManager failed: %v", err)
	}
	defer cache.Close(context.Background())

	env, err := static.WrapKey(context.Background(), []byte("rotating-dek"), "")
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	if _, err := cache.UnwrapKey(context.Background(), env, ""); err != nil {
		t.Fatalf("first UnwrapKey failed: %v", err)
	}
	if _, err := cache.UnwrapKey(context.Background(), env, ""); err != nil {
		t.Fatalf("second UnwrapKey failed: %v", err)
	}
	if inner.unwraps != 1 {
		t.Fatalf("expected 1 inner UnwrapKey call before expiry, got %d", inner.unwraps)
	}

	s.FastForward(ttl + time.Second)

	if _, err := cache.UnwrapKey(context.Background(), env, ""); err != nil {
		t.Fatalf("UnwrapKey after expiry failed: %v", err)
	}
	if inner.unwraps != 2 {
		t.Fatalf("expected cache miss to fall through to inner after TTL expiry, got %d inner calls", inner.unwraps)
	}
}
