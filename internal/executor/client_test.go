package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamspace/sandboxd/internal/apperr"
)

func TestBackoff_ExponentialCappedAtMax(t *testing.T) {
	c := New(Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 350 * time.Millisecond})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 350 * time.Millisecond}, // would be 400ms uncapped
		{4, 350 * time.Millisecond},
	}
	for _, c2 := range cases {
		if got := c.backoff(c2.attempt); got != c2.want {
			t.Errorf("backoff(%d) = %v, want %v", c2.attempt, got, c2.want)
		}
	}
}

func TestSubmit_SuccessOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(SubmitResponse{ExecutionID: "e1", Status: "accepted"})
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	defer c.Close()

	resp, err := c.Submit(context.Background(), srv.URL, SubmitRequest{ExecutionID: "e1"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExecutionID != "e1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmit_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(SubmitResponse{ExecutionID: "e1", Status: "accepted"})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	resp, err := c.Submit(context.Background(), srv.URL, SubmitRequest{})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExecutionID != "e1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestSubmit_4xxIsTerminalValidationError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad code"))
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	defer c.Close()

	_, err := c.Submit(context.Background(), srv.URL, SubmitRequest{})

	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected a VALIDATION_ERROR, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retry on 4xx, got %d attempts", calls)
	}
}

func TestSubmit_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	cfg := Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, TotalTimeout: 5 * time.Second, ConnectTimeout: time.Second}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(cfg)
	defer c.Close()

	_, err := c.Submit(context.Background(), srv.URL, SubmitRequest{})

	if !apperr.Is(err, apperr.KindExecutorUnreachable) {
		t.Fatalf("expected an EXECUTOR_UNREACHABLE error after exhausting retries, got %v", err)
	}
}

func TestHealth_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: "1.0"})
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	defer c.Close()

	h, err := c.Health(context.Background(), srv.URL)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("unexpected health response: %+v", h)
	}
}

func TestHealth_NonOKIsExecutorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	defer c.Close()

	_, err := c.Health(context.Background(), srv.URL)

	if !apperr.Is(err, apperr.KindExecutorUnreachable) {
		t.Fatalf("expected EXECUTOR_UNREACHABLE, got %v", err)
	}
}
