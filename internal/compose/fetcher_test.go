package compose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFetcher(t *testing.T, maxBytes int64) *HTTPFetcher {
	t.Helper()
	fetcher, err := NewHTTPFetcher(time.Second, maxBytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fetcher.initial = time.Millisecond
	return fetcher
}

func TestHTTPFetcher_Fetch_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("services: {}\n"))
	}))
	defer server.Close()

	body, err := newTestFetcher(t, 1024).Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "services: {}\n" {
		t.Fatalf("unexpected body: %q", string(body))
	}
}

func TestHTTPFetcher_Fetch_RejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestFetcher(t, 1024).Fetch(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty body error, got %v", err)
	}
}

func TestHTTPFetcher_Fetch_RejectsOversizeBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 32)))
	}))
	defer server.Close()

	_, err := newTestFetcher(t, 16).Fetch(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestHTTPFetcher_Fetch_RetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("services: {}\n"))
	}))
	defer server.Close()

	if _, err := newTestFetcher(t, 1024).Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestHTTPFetcher_Fetch_NoRetryOn4xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestFetcher(t, 1024).Fetch(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestHTTPFetcher_Fetch_RetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestFetcher(t, 1024).Fetch(context.Background(), server.URL)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != defaultRetries+1 {
		t.Fatalf("expected %d calls, got %d", defaultRetries+1, got)
	}
}

func TestNewHTTPFetcher_Validation(t *testing.T) {
	if _, err := NewHTTPFetcher(0, 0); err == nil {
		t.Fatalf("expected timeout error")
	}
	f, err := NewHTTPFetcher(time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.maxBytes != defaultMaxBytes {
		t.Fatalf("expected default max bytes, got %d", f.maxBytes)
	}
	if _, err := f.Fetch(context.Background(), ""); err == nil {
		t.Fatalf("expected empty url error")
	}
}
