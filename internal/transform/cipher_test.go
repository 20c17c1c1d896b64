package transform

import (
	"bytes"
	"testing"
)

func TestAES128CBCRoundTrip(t *testing.T) {
	key := &Key{Algorithm: "aes-128-cbc", Bits: 128, Raw: bytes.Repeat([]byte{0x42}, 16)}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	enc := New(mustKlass(t, AES128CBCID), nil)
	enc.Impl.(KeySetter).SetKey(key)
	enc.Impl.(*blockCipherTransform).encode = true
	if err := enc.PushLocal(plaintext, true); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	ciphertext := append([]byte(nil), enc.OutBuf.Data()...)
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	dec := New(mustKlass(t, AES128CBCID), nil)
	dec.Impl.(KeySetter).SetKey(key)
	if err := dec.PushLocal(ciphertext, true); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got := string(dec.OutBuf.Data()); got != string(plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestAES256GCMRoundTrip(t *testing.T) {
	key := &Key{Algorithm: "aes-256-gcm", Bits: 256, Raw: bytes.Repeat([]byte{0x7}, 32)}
	plaintext := []byte("authenticated encryption payload")

	enc := New(mustKlass(t, AES256GCMID), nil)
	enc.Impl.(KeySetter).SetKey(key)
	enc.Impl.(*blockCipherTransform).encode = true
	if err := enc.PushLocal(plaintext, true); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	ciphertext := append([]byte(nil), enc.OutBuf.Data()...)

	dec := New(mustKlass(t, AES256GCMID), nil)
	dec.Impl.(KeySetter).SetKey(key)
	if err := dec.PushLocal(ciphertext, true); err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got := string(dec.OutBuf.Data()); got != string(plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestAES256GCMTamperedCiphertextFails(t *testing.T) {
	key := &Key{Algorithm: "aes-256-gcm", Bits: 256, Raw: bytes.Repeat([]byte{0x7}, 32)}
	enc := New(mustKlass(t, AES256GCMID), nil)
	enc.Impl.(KeySetter).SetKey(key)
	enc.Impl.(*blockCipherTransform).encode = true
	if err := enc.PushLocal([]byte("payload"), true); err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	tampered := append([]byte(nil), enc.OutBuf.Data()...)
	tampered[len(tampered)-1] ^= 0xFF

	dec := New(mustKlass(t, AES256GCMID), nil)
	dec.Impl.(KeySetter).SetKey(key)
	if err := dec.PushLocal(tampered, true); err == nil {
		t.Fatal("expected authentication failure on tampered GCM ciphertext")
	}
}

func TestAESKeyWrapRoundTrip(t *testing.T) {
	kek := &Key{Algorithm: "aes-128-kw", Bits: 128, Raw: bytes.Repeat([]byte{0x11}, 16)}
	dek := bytes.Repeat([]byte{0x22}, 16)

	wrap := New(mustKlass(t, AESKW128ID), nil)
	wrap.Impl.(KeySetter).SetKey(kek)
	wrap.Impl.(*keyWrapTransform).encode = true
	if err := wrap.PushLocal(dek, true); err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	wrapped := append([]byte(nil), wrap.OutBuf.Data()...)
	if len(wrapped) != len(dek)+8 {
		t.Fatalf("wrapped length = %d, want %d", len(wrapped), len(dek)+8)
	}

	unwrap := New(mustKlass(t, AESKW128ID), nil)
	unwrap.Impl.(KeySetter).SetKey(kek)
	if err := unwrap.PushLocal(wrapped, true); err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if got := unwrap.OutBuf.Data(); !bytes.Equal(got, dek) {
		t.Fatalf("unwrapped = %x, want %x", got, dek)
	}
}

func TestAESKeyWrapDetectsTampering(t *testing.T) {
	kek := &Key{Algorithm: "aes-128-kw", Bits: 128, Raw: bytes.Repeat([]byte{0x11}, 16)}
	wrap := New(mustKlass(t, AESKW128ID), nil)
	wrap.Impl.(KeySetter).SetKey(kek)
	wrap.Impl.(*keyWrapTransform).encode = true
	if err := wrap.PushLocal(bytes.Repeat([]byte{0x22}, 16), true); err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	wrapped := append([]byte(nil), wrap.OutBuf.Data()...)
	wrapped[0] ^= 0xFF

	unwrap := New(mustKlass(t, AESKW128ID), nil)
	unwrap.Impl.(KeySetter).SetKey(kek)
	if err := unwrap.PushLocal(wrapped, true); err == nil {
		t.Fatal("expected integrity check failure on tampered wrapped key")
	}
}

func mustKlass(t *testing.T, id string) *Klass {
	t.Helper()
	k, ok := DefaultRegistry().Lookup(id)
	if !ok {
		t.Fatalf("klass %s not registered", id)
	}
	return k
}
