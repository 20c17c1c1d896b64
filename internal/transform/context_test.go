package transform

import (
	"bytes"
	"testing"
)

func TestContextBinaryExecuteThroughBase64(t *testing.T) {
	ctx := NewContext(DefaultRegistry(), nil, nil)
	if _, err := ctx.CreateAndAppend(Base64EncodeID); err != nil {
		t.Fatalf("CreateAndAppend failed: %v", err)
	}
	if err := ctx.Prepare(DataTypeBinary); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := ctx.BinaryExecute([]byte("secret payload")); err != nil {
		t.Fatalf("BinaryExecute failed: %v", err)
	}

	want := "c2VjcmV0IHBheWxvYWQ="
	if got := string(ctx.Result()); got != want {
		t.Fatalf("result = %q, want %q", got, want)
	}
}

func TestContextCreateOutputBufferFeedsChain(t *testing.T) {
	ctx := NewContext(DefaultRegistry(), nil, nil)
	if _, err := ctx.CreateAndAppend(Base64EncodeID); err != nil {
		t.Fatalf("CreateAndAppend failed: %v", err)
	}
	if err := ctx.Prepare(DataTypeBinary); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	w := ctx.CreateOutputBuffer(ctx.Head())
	if _, err := w.Write([]byte("chunk-one-")); err != nil {
		t.Fatalf("Write 1 failed: %v", err)
	}
	if _, err := w.Write([]byte("chunk-two")); err != nil {
		t.Fatalf("Write 2 failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var want bytes.Buffer
	want.WriteString("chunk-one-chunk-two")
	if got := string(ctx.Result()); got != base64Of(want.Bytes()) {
		t.Fatalf("result = %q, want base64 of %q", got, want.String())
	}
}

func TestContextSetUriEmptyIsSameDocument(t *testing.T) {
	ctx := NewContext(DefaultRegistry(), nil, nil)
	if err := ctx.SetUri("", nil); err != nil {
		t.Fatalf("SetUri(\"\") failed: %v", err)
	}
	if ctx.sourceKind != SourceSameDocument {
		t.Fatalf("sourceKind = %v, want SourceSameDocument", ctx.sourceKind)
	}
}

func TestContextSetUriFragment(t *testing.T) {
	ctx := NewContext(DefaultRegistry(), nil, nil)
	if err := ctx.SetUri("#cid-1", nil); err != nil {
		t.Fatalf("SetUri(fragment) failed: %v", err)
	}
	if ctx.sourceKind != SourceFragment {
		t.Fatalf("sourceKind = %v, want SourceFragment", ctx.sourceKind)
	}
}

func TestContextSetUriWithoutResolverFails(t *testing.T) {
	ctx := NewContext(DefaultRegistry(), nil, nil)
	if err := ctx.SetUri("https://example.com/data.bin", nil); err == nil {
		t.Fatal("expected INVALID_URI when no resolver is configured")
	}
}

func base64Of(p []byte) string {
	klass, ok := DefaultRegistry().Lookup(Base64EncodeID)
	if !ok {
		panic("base64-encode klass not registered")
	}
	tr := New(klass, nil)
	_ = tr.PushLocal(p, true)
	return string(tr.OutBuf.Data())
}
