package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func testClient(url string, opts Options) *Client {
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	return NewClient(url, opts)
}

func TestClient_VerifyRoutesByScheme(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(x402.Valid(testPayer))
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{})

	for _, scheme := range []x402.Scheme{x402.SchemeUpto, x402.SchemeExact} {
		result, err := c.Verify(context.Background(), testPayload(scheme), testRequirements(scheme))
		if err != nil {
			t.Fatalf("Verify(%s): %v", scheme, err)
		}
		if !result.IsValid || result.Payer != testPayer {
			t.Errorf("unexpected result: %+v", result)
		}
	}

	if len(paths) != 2 || paths[0] != PathVerify || paths[1] != PathVerifyExact {
		t.Errorf("expected [%s %s], got %v", PathVerify, PathVerifyExact, paths)
	}
}

func TestClient_SettleSendsAmount(t *testing.T) {
	var got []SettleRequest
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SettleRequest
		json.NewDecoder(r.Body).Decode(&req)
		got = append(got, req)
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(x402.Settled("0xabc", req.SettlementAmount))
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{})

	result, err := c.Settle(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto), "5000")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.SettledAmount != "5000" || result.Transaction != "0xabc" {
		t.Errorf("unexpected result: %+v", result)
	}

	if _, err := c.Settle(context.Background(), testPayload(x402.SchemeExact), testRequirements(x402.SchemeExact), "5000"); err != nil {
		t.Fatalf("Settle exact: %v", err)
	}

	if paths[0] != PathSettle || paths[1] != PathSettleExact {
		t.Errorf("unexpected paths %v", paths)
	}
	if got[0].SettlementAmount != "5000" {
		t.Errorf("expected upto amount 5000, got %q", got[0].SettlementAmount)
	}
	if got[1].SettlementAmount != "" {
		t.Errorf("expected exact settle without amount, got %q", got[1].SettlementAmount)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(x402.Valid(testPayer))
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: 3})

	result, err := c.Verify(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected valid result, got %+v", result)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if c.Breaker().State() != StateClosed {
		t.Errorf("expected breaker closed after success, got %s", c.Breaker().State())
	}
}

func TestClient_ExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: 2, FailureThreshold: 10})

	_, err := c.Verify(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto))
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Fatalf("expected ErrFacilitatorUnavailable, got %v", err)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected StatusError 503, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestClient_SettleNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: 3, FailureThreshold: 1})

	_, err := c.Settle(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto), "5000")
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Fatalf("expected ErrFacilitatorUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single settle attempt, got %d", n)
	}
	if c.Breaker().State() != StateOpen {
		t.Errorf("expected the failed settle to open the breaker, got %s", c.Breaker().State())
	}

	if _, err := c.Settle(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto), "5000"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected the open breaker to skip the network, got %d calls", n)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: 3, FailureThreshold: 1})

	_, err := c.Verify(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto))

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Error("expected a 4xx not to be reported as unavailable")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
	if c.Breaker().State() != StateClosed {
		t.Errorf("expected a 4xx to leave the breaker closed, got %s", c.Breaker().State())
	}
}

func TestClient_OpenBreakerSkipsNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: -1, FailureThreshold: 2, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := c.Supported(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	}
	if c.Breaker().State() != StateOpen {
		t.Fatalf("expected breaker open, got %s", c.Breaker().State())
	}

	_, err := c.Verify(context.Background(), testPayload(x402.SchemeUpto), testRequirements(x402.SchemeUpto))
	if !IsOpen(err) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Error("expected open circuit to match ErrFacilitatorUnavailable")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected no network attempt while open, got %d calls", n)
	}
}

func TestClient_NetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := testClient(url, Options{MaxRetries: 1})

	_, err := c.Supported(context.Background())
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("expected ErrFacilitatorUnavailable, got %v", err)
	}
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, Options{MaxRetries: 5, BaseBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Supported(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline, got %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathHealth {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(&HealthResponse{Status: status})
	}))
	defer srv.Close()

	c := testClient(srv.URL+"/", Options{})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}

	status = "degraded"
	if err := c.Health(context.Background()); err == nil {
		t.Error("expected error for non-ok status")
	}
}

func TestClient_LogsExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger, hook := test.NewNullLogger()
	c := testClient(srv.URL, Options{MaxRetries: 1, Logger: logger})

	c.Supported(context.Background())

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error log entry, got %+v", entry)
	}
	if entry.Data["path"] != PathSupported {
		t.Errorf("expected path field %s, got %v", PathSupported, entry.Data["path"])
	}
}
