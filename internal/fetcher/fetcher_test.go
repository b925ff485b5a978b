package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestFetchRecoverFromServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "<html>listing</html>")
	}))
	defer srv.Close()

	f, err := New(testLogger(), time.Second, fastPolicy(3), "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "<html>listing</html>" {
		t.Fatalf("body = %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}
}

func TestFetchNotFoundFailsImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := New(testLogger(), time.Second, fastPolicy(5), "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = f.Fetch(context.Background(), srv.URL)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", netErr.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, err := New(testLogger(), time.Second, fastPolicy(3), "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = f.Fetch(context.Background(), srv.URL)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", netErr.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}
}

func TestFetchRetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f, err := New(testLogger(), time.Second, fastPolicy(3), "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("server calls = %d, want 2", got)
	}
}

type stubLimiter struct {
	calls atomic.Int64
	err   error
}

func (s *stubLimiter) Acquire(ctx context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestFetchAcquiresTokenPerAttempt(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	limiter := &stubLimiter{}
	f, err := New(testLogger(), time.Second, fastPolicy(3), "", limiter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := limiter.calls.Load(); got != 2 {
		t.Fatalf("limiter acquisitions = %d, want 2", got)
	}
}

func TestNewRejectsBadProxyURL(t *testing.T) {
	if _, err := New(testLogger(), time.Second, fastPolicy(3), "://bad", nil); err == nil {
		t.Fatal("New with malformed proxy url: want error")
	}
}
