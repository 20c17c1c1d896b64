package urifetch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetcherOpenHTTPFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("key-material"))
	}))
	defer srv.Close()

	f := NewFetcher(NewPolicy([]string{srv.URL + "/*"}, nil), nil)
	rc, err := f.Open(srv.URL + "/keys/1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	if string(body) != "key-material" {
		t.Fatalf("body = %q, want %q", body, "key-material")
	}
}

func TestFetcherOpenDeniesPolicyViolation(t *testing.T) {
	f := NewFetcher(NewPolicy(nil, nil), nil)
	if _, err := f.Open("https://example.com/key.bin"); err == nil {
		t.Fatal("expected deny-by-default policy to reject the fetch")
	}
}

func TestFetcherOpenRejectsUnsupportedScheme(t *testing.T) {
	f := NewFetcher(NewPolicy([]string{"ftp://*"}, nil), nil)
	if _, err := f.Open("ftp://example.com/key.bin"); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}
}

func TestFetcherOpenS3WithoutConfigFails(t *testing.T) {
	f := NewFetcher(NewPolicy([]string{"s3://*"}, nil), nil)
	if _, err := f.Open("s3://keys-bucket/tenant-42/dek.bin"); err == nil {
		t.Fatal("expected s3 fetch without configured backend to fail")
	}
}

func TestFetcherOpenHTTPNonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(NewPolicy([]string{srv.URL + "/*"}, nil), nil)
	if _, err := f.Open(srv.URL + "/missing"); err == nil {
		t.Fatal("expected non-2xx response to fail")
	}
}
