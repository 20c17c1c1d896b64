// Package transform implements the transform chain execution model: a
// TransformKlass registry of reusable algorithm descriptors, per-chain
// Transform instances built from them, and the Context that wires instances
// into a pipeline and drives them to completion.
package transform

import (
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/beevik/etree"
)

// DataType distinguishes transforms that operate on raw octets from those
// that operate on a parsed XML subtree. A chain may change data type exactly
// once, at the boundary where a node-set transform (e.g. XSLT or C14N) hands
// off to the first binary transform (e.g. base64 or cipher), or vice versa.
type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeBinary
	DataTypeNodeSet
)

func (d DataType) String() string {
	switch d {
	case DataTypeBinary:
		return "binary"
	case DataTypeNodeSet:
		return "node-set"
	default:
		return "unknown"
	}
}

// Usage records which roles a klass may be bound to within a chain.
type Usage int

const (
	UsageEncryptionMethod Usage = 1 << iota
	UsageKeyTransport
	UsageDigest
	UsageC14N
	UsageGeneric
)

// Instance is the minimal contract every klass implementation satisfies: a
// factory-produced, stateful per-transform object driven by Execute. Klass
// implementations layer in the optional interfaces below (Initializer,
// NodeReader, KeySetter, ...) for the capabilities they need; Transform type
// switches on them rather than requiring a single fat interface.
type Instance interface {
	// Execute consumes as much of t.InBuf as it can, appending produced
	// output to t.OutBuf. When last is true the implementation must consume
	// all of t.InBuf before returning.
	Execute(t *Transform, last bool) error
}

// Initializer is implemented by klasses that need setup before the first
// Execute call (e.g. allocating a cipher.Block once the key is known).
type Initializer interface {
	Initialize() error
}

// Finalizer is implemented by klasses holding resources that must be
// released once the transform reaches a terminal status.
type Finalizer interface {
	Finalize() error
}

// NodeReader is implemented by klasses that parse configuration out of the
// <ds:Transform> (or equivalent) element that selected them, e.g. XSLT's
// embedded stylesheet or C14N's InclusiveNamespaces.
type NodeReader interface {
	ReadNode(el *etree.Element) error
}

// KeyRequirement describes the key a klass needs, reported before the chain
// is wired up so the EncryptionContext can resolve it via the KeyManager
// before the first byte flows.
type KeyRequirement struct {
	Algorithm string // e.g. "aes-128-cbc", "aes-256-gcm", "rsa-oaep", "tripledes-cbc"
	KeyBits   int
	ForWrap   bool // true if this klass wraps/unwraps a key rather than data
}

// Key is the resolved key material handed to a klass via SetKey, or to an
// RSAKeySetter klass via its RSAPublic/RSAPrivate fields (Raw is unused in
// that case — RSA-OAEP/RSA-1_5 key transport never needs raw asymmetric key
// bytes, only the parsed keypair).
type Key struct {
	Name       string
	Algorithm  string
	Bits       int
	Raw        []byte
	RSAPublic  *rsa.PublicKey
	RSAPrivate *rsa.PrivateKey
}

// Matches reports whether k satisfies requirement r.
func (r KeyRequirement) Matches(k *Key) bool {
	if k == nil {
		return false
	}
	if r.Algorithm != "" && r.Algorithm != k.Algorithm {
		return false
	}
	if r.KeyBits != 0 && r.KeyBits != k.Bits {
		return false
	}
	return true
}

// KeyRequirer is implemented by klasses whose Execute needs key material.
type KeyRequirer interface {
	KeyRequirement() (KeyRequirement, error)
}

// KeySetter is implemented alongside KeyRequirer to receive the resolved key.
type KeySetter interface {
	SetKey(k *Key) error
}

// Encoder is implemented by klasses whose Execute behavior differs between
// the forward (encrypt/encode) and inverse (decrypt/decode) directions — the
// cipher family and AES/RSA key-transport klasses. EncryptionContext sets
// this to match ctx.encrypt right after instantiating the chain's cipher,
// per spec.md §4.6.1.
type Encoder interface {
	SetEncode(encode bool)
}

// RSAKeySetter is implemented by key-transport klasses whose key material is
// an asymmetric keypair rather than the raw symmetric bytes KeySetter
// carries. EncryptionContext type-switches to this when KeyRequirement
// reports ForWrap with an "rsa-" algorithm prefix.
type RSAKeySetter interface {
	SetRSAKey(pub *rsa.PublicKey, priv *rsa.PrivateKey)
}

// Validator is implemented by klasses that can self-check their
// configuration (key present, IV sized correctly) before Execute runs.
type Validator interface {
	Validate() error
}

// Klass is an algorithm descriptor: one entry per supported
// EncryptionMethod/DigestMethod/Transform Algorithm URI. It is immutable and
// shared across every Transform instantiated from it; New produces the
// per-chain, stateful Instance.
type Klass struct {
	ID       string // the algorithm URI identifying this klass, e.g. http://www.w3.org/2001/04/xmlenc#aes128-cbc
	Name     string
	DataType DataType
	Usage    Usage
	New      func() Instance
}

func (k *Klass) String() string {
	return fmt.Sprintf("%s (%s, %s)", k.Name, k.ID, k.DataType)
}

// Registry maps algorithm URIs to their Klass descriptor, mirroring the
// teacher's KnownProviders lookup table for S3-compatible endpoints: a
// read-mostly map guarded by a read/write mutex, with registration taking
// the write lock and lookups the shared read lock.
type Registry struct {
	mu      sync.RWMutex
	klasses map[string]*Klass
}

// NewRegistry returns an empty registry. Use DefaultRegistry for one
// pre-populated with the built-in base64, cipher, and XSLT klasses.
func NewRegistry() *Registry {
	return &Registry{klasses: make(map[string]*Klass)}
}

// Register adds k to the registry, keyed by its ID. Registering a second
// klass under the same ID replaces the first; built-in klasses are
// registered at package init time and may be intentionally overridden by a
// caller wiring in a hardware-accelerated or policy-restricted variant.
func (r *Registry) Register(k *Klass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.klasses[k.ID] = k
}

// Lookup returns the klass registered under id, if any.
func (r *Registry) Lookup(id string) (*Klass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.klasses[id]
	return k, ok
}

// IDs returns the set of registered algorithm URIs, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.klasses))
	for id := range r.klasses {
		ids = append(ids, id)
	}
	return ids
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry populated by this
// package's built-in klasses (base64, the cipher family, and XSLT) plus
// anything registered by importers of internal/transform/xslt.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
