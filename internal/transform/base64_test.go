package transform

import "testing"

func TestBase64EncodeRoundTrip(t *testing.T) {
	enc := New(DefaultRegistry().mustLookup(t, Base64EncodeID), nil)
	if err := enc.PushLocal([]byte("hello, world"), true); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	encoded := string(enc.OutBuf.Data())

	dec := New(DefaultRegistry().mustLookup(t, Base64DecodeID), nil)
	if err := dec.PushLocal([]byte(encoded), true); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got, want := string(dec.OutBuf.Data()), "hello, world"; got != want {
		t.Fatalf("round trip = %q, want %q", got, want)
	}
}

func TestBase64DecodeIgnoresWhitespace(t *testing.T) {
	dec := New(DefaultRegistry().mustLookup(t, Base64DecodeID), nil)
	if err := dec.PushLocal([]byte("aGVs\n bG8=\r\n"), true); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got, want := string(dec.OutBuf.Data()), "hello"; got != want {
		t.Fatalf("decoded = %q, want %q", got, want)
	}
}

func TestBase64EncodeStreamsIncrementally(t *testing.T) {
	tr := New(DefaultRegistry().mustLookup(t, Base64EncodeID), nil)
	if err := tr.PushLocal([]byte("ab"), false); err != nil {
		t.Fatalf("push 1 failed: %v", err)
	}
	// Only 2 bytes buffered (< 1 full 3-byte unit): nothing should be
	// emitted yet, and the transform should still be waiting for more.
	if tr.OutBuf.Size() != 0 {
		t.Fatalf("expected no output before a full 3-byte unit, got %d bytes", tr.OutBuf.Size())
	}
	if err := tr.PushLocal([]byte("c"), true); err != nil {
		t.Fatalf("push 2 failed: %v", err)
	}
	if got, want := string(tr.OutBuf.Data()), "YWJj"; got != want {
		t.Fatalf("encoded = %q, want %q", got, want)
	}
}

func (r *Registry) mustLookup(t *testing.T, id string) *Klass {
	t.Helper()
	k, ok := r.Lookup(id)
	if !ok {
		t.Fatalf("klass %s not registered", id)
	}
	return k
}
