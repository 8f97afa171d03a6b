package specfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPFetcher_FetchAndHash(t *testing.T) {
	const spec = `{"openapi":"3.0.0","paths":{}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(spec))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 0)
	first, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.Content != spec || first.Hash == "" {
		t.Fatalf("unexpected result: %#v", first)
	}

	// Unchanged content hashes identically, enabling idempotent re-fetch.
	second, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if second.Hash != first.Hash {
		t.Fatalf("hash changed for identical content")
	}
}

func TestHTTPFetcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 0)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestHTTPFetcher_SizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 1024)
	if _, err := f.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrSpecTooLarge) {
		t.Fatalf("expected ErrSpecTooLarge, got %v", err)
	}
}
