package amplitude

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumehq/ampsync/internal/bucket"
)

func testConfig(url string) Config {
	return Config{
		APIKey:      "test-key",
		SecretKey:   "test-secret",
		ExportURL:   url,
		MaxAttempts: 5,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

func singleHour(t *testing.T, key string) bucket.Range {
	t.Helper()
	h, err := bucket.Parse(key)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", key, err)
	}
	return bucket.Single(h)
}

func TestExportSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		user, pass, ok := r.BasicAuth()
		if !ok || user != "test-key" || pass != "test-secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if got := r.URL.Query().Get("start"); got != "20251110T05" {
			t.Errorf("start = %q, want 20251110T05", got)
		}
		if got := r.URL.Query().Get("end"); got != "20251110T05" {
			t.Errorf("end = %q, want 20251110T05", got)
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	data, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05"))
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if string(data) != "archive-bytes" {
		t.Errorf("Export = %q", data)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestExportRangeParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("start"); got != "20251109T22" {
			t.Errorf("start = %q, want 20251109T22", got)
		}
		if got := r.URL.Query().Get("end"); got != "20251110T01" {
			t.Errorf("end = %q, want 20251110T01", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start, _ := bucket.Parse("2025-11-09_22")
	end, _ := bucket.Parse("2025-11-10_01")
	r, err := bucket.NewRange(start, end)
	if err != nil {
		t.Fatalf("NewRange failed: %v", err)
	}

	c := NewClient(testConfig(srv.URL))
	if _, err := c.Export(context.Background(), r); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
}

func TestExportRetryBudgetExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05"))
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("Export = %v, want ErrRetryBudgetExhausted", err)
	}
	// Exactly MaxAttempts requests, never one more.
	if requests.Load() != 5 {
		t.Errorf("requests = %d, want 5", requests.Load())
	}
}

func TestExportRateLimitThenSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	data, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05"))
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("Export = %q", data)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2", requests.Load())
	}
}

func TestExportRateLimitWaitsDouble(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryDelay = 30 * time.Millisecond

	c := NewClient(cfg)
	startedAt := time.Now()
	if _, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05")); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if elapsed := time.Since(startedAt); elapsed < 60*time.Millisecond {
		t.Errorf("rate-limited retry waited %v, want at least 2x the retry delay", elapsed)
	}
}

func TestExportFatalStatus(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid credentials"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05"))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Export = %v, want StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("Code = %d, want 403", se.Code)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (fatal status must not retry)", requests.Load())
	}
}

func TestExportMixedCausesShareBudget(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Alternate causes; the budget must not reset between them.
		if requests.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Export(context.Background(), singleHour(t, "2025-11-10_05"))
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("Export = %v, want ErrRetryBudgetExhausted", err)
	}
	if requests.Load() != 5 {
		t.Errorf("requests = %d, want 5", requests.Load())
	}
}

func TestExportCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(testConfig(srv.URL))
	if _, err := c.Export(ctx, singleHour(t, "2025-11-10_05")); !errors.Is(err, context.Canceled) {
		t.Errorf("Export = %v, want context.Canceled", err)
	}
}
