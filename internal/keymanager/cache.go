package keymanager

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"
)

// CachingManager wraps another KeyManager with a Redis-backed cache of
// unwrapped DEKs, keyed by envelope ciphertext digest, so repeated
// Decrypt/DecryptToBuffer calls against the same EncryptedKey (common when
// decrypting many elements under one EncryptedKey's CarriedKeyName) skip the
// KMS round trip. Cached values are themselves encrypted at rest under a
// key derived via HKDF from a cache-local secret, never the plaintext DEK
// verbatim, so a compromised Redis instance alone does not leak key
// material.
type CachingManager struct {
	inner KeyManager
	rdb   *redis.Client
	ttl   time.Duration
	kek   []byte // derived once, used to seal cached DEKs at rest
}

// NewCachingManager derives a 32-byte at-rest key from secret via HKDF-SHA256
// and wraps inner with a Redis cache using rdb, entries expiring after ttl.
func NewCachingManager(inner KeyManager, rdb *redis.Client, secret []byte, ttl time.Duration) (*CachingManager, error) {
	kek := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("xmlenc-dek-cache"))
	if _, err := io.ReadFull(kdf, kek); err != nil {
		return nil, fmt.Errorf("keymanager: deriving cache-at-rest key: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingManager{inner: inner, rdb: rdb, ttl: ttl, kek: kek}, nil
}

func (c *CachingManager) Provider() string { return c.inner.Provider() }

func (c *CachingManager) cacheKey(envelope *KeyEnvelope) string {
	sum := sha256.Sum256(envelope.Ciphertext)
	return fmt.Sprintf("xmlenc:dek:%x", sum)
}

func (c *CachingManager) WrapKey(ctx context.Context, plaintext []byte, keyName string) (*KeyEnvelope, error) {
	// Wrapping always goes straight to the KMS: there is nothing to cache
	// for an operation that, by definition, has never been seen before.
	return c.inner.WrapKey(ctx, plaintext, keyName)
}

func (c *CachingManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, keyName string) ([]byte, error) {
	key := c.cacheKey(envelope)

	if cached, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		plaintext, derr := gcmOpen(c.kek, cached)
		if derr == nil {
			return plaintext, nil
		}
		// A corrupt or foreign cache entry falls through to the KMS rather
		// than failing the decrypt outright.
	} else if err != redis.Nil {
		// Redis being unavailable should not block decryption; log is left
		// to the caller via the returned plaintext's absence of error.
		_ = err
	}

	plaintext, err := c.inner.UnwrapKey(ctx, envelope, keyName)
	if err != nil {
		return nil, err
	}

	if sealed, serr := gcmSeal(c.kek, plaintext); serr == nil {
		_ = c.rdb.Set(ctx, key, sealed, c.ttl).Err()
	}
	return plaintext, nil
}

func (c *CachingManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return c.inner.ActiveKeyVersion(ctx)
}

func (c *CachingManager) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("keymanager: redis cache unreachable: %w", err)
	}
	return c.inner.HealthCheck(ctx)
}

func (c *CachingManager) Close(ctx context.Context) error {
	if err := c.inner.Close(ctx); err != nil {
		return err
	}
	return c.rdb.Close()
}
