package keymanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, and the
// version this deployment should record against envelopes it produces.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is the number of most-recent key versions (beyond the
	// active one) UnwrapKey will still try when an envelope carries no
	// KeyID, supporting key rotation without immediately orphaning data
	// encrypted under the previous wrapping key.
	DualReadWindow int
}

// CosmianKMIPManager wraps/unwraps DEKs through a Cosmian KMS speaking KMIP
// 1.4, via github.com/ovh/kmip-go. Grounded on the teacher's
// TestCosmianKMIPManager_WrapUnwrap contract: WrapKey/UnwrapKey perform a
// single Encrypt/Decrypt operation against the active (or, on fallback,
// each recent) key version; HealthCheck is a lightweight, side-effect-free
// KMIP call, and ActiveKeyVersion answers from the locally held key list.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	provider string
	timeout  time.Duration

	mu      sync.RWMutex
	keys    []KMIPKeyReference
	dualRead int
}

// NewCosmianKMIPManager dials opts.Endpoint over TLS and returns a ready
// manager. The connection is kept open for the manager's lifetime; call
// Close to release it.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("keymanager: kmip endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("keymanager: at least one wrapping key reference is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	provider := opts.Provider
	if provider == "" {
		provider = "cosmian-kmip"
	}

	client, err := kmipclient.Dial(opts.Endpoint,
		kmipclient.WithTLSConfig(opts.TLSConfig),
		kmipclient.WithTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("keymanager: dialing kmip server: %w", err)
	}

	keys := append([]KMIPKeyReference(nil), opts.Keys...)
	return &CosmianKMIPManager{
		client:   client,
		provider: provider,
		timeout:  timeout,
		keys:     keys,
		dualRead: opts.DualReadWindow,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.provider }

// activeKey returns the highest-versioned configured wrapping key.
func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := m.keys[0]
	for _, k := range m.keys[1:] {
		if k.Version > active.Version {
			active = k
		}
	}
	return active
}

func (m *CosmianKMIPManager) keyByID(id string) (KMIPKeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.ID == id {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

// candidateKeysForFallback returns the configured keys ordered from the
// active version downward, truncated to dualRead+1 entries, used when an
// envelope carries no KeyID (legacy data written before a key rotation).
func (m *CosmianKMIPManager) candidateKeysForFallback() []KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := append([]KMIPKeyReference(nil), m.keys...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Version > sorted[i].Version {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	limit := m.dualRead + 1
	if limit > len(sorted) || limit <= 0 {
		limit = len(sorted)
	}
	return sorted[:limit]
}

func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, keyName string) (*KeyEnvelope, error) {
	key := m.activeKey()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("keymanager: kmip encrypt: %w", err)
	}

	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, keyName string) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("keymanager: nil envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if envelope.KeyID != "" {
		key, ok := m.keyByID(envelope.KeyID)
		if !ok {
			return nil, ErrKeyNotFound{KeyID: envelope.KeyID}
		}
		resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
			UniqueIdentifier: key.ID,
			Data:             envelope.Ciphertext,
		})
		if err != nil {
			return nil, fmt.Errorf("keymanager: kmip decrypt: %w", err)
		}
		return resp.Data, nil
	}

	// No KeyID recorded: try each recent key version within the configured
	// dual-read window, oldest rotation tolerance last.
	var lastErr error
	for _, key := range m.candidateKeysForFallback() {
		resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
			UniqueIdentifier: key.ID,
			Data:             envelope.Ciphertext,
		})
		if err == nil {
			return resp.Data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrKeyNotFound{KeyID: "<unspecified>"}
	}
	return nil, fmt.Errorf("keymanager: kmip decrypt fallback exhausted: %w", lastErr)
}

func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := m.activeKey()
	resp, err := m.client.Get(ctx, &payloads.GetRequestPayload{UniqueIdentifier: key.ID})
	if err != nil {
		return fmt.Errorf("keymanager: kmip health check: %w", err)
	}
	if resp.ObjectType != kmip.ObjectTypeSymmetricKey {
		return fmt.Errorf("keymanager: unexpected object type for wrapping key %s", key.ID)
	}
	return nil
}

func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
