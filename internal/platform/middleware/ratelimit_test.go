package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func doFrom(e *echo.Echo, h echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":4321"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := doFrom(e, handler, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := doFrom(e, handler, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := doFrom(e, handler, "10.0.0.1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}

	retryVal, parseErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if parseErr != nil || retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", got)
	}
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := doFrom(e, handler, "10.0.0.1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := doFrom(e, handler, "10.0.0.1"); err == nil {
		t.Fatal("second request from same IP: expected rate limit error")
	}
	if _, err := doFrom(e, handler, "10.0.0.2"); err != nil {
		t.Fatalf("other IP: expected separate bucket, got %v", err)
	}
}

func TestRateLimit_RejectedRequestReturnsToken(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	if d := store.reserve("k"); d != 0 {
		t.Fatalf("first reservation delayed by %s", d)
	}
	for i := 0; i < 3; i++ {
		if d := store.reserve("k"); d <= 0 {
			t.Fatalf("reservation %d should be rejected", i)
		}
	}
	// Rejected attempts must not push the next free token further out.
	now = now.Add(time.Second)
	if d := store.reserve("k"); d != 0 {
		t.Errorf("expected a token after one second, delay %s", d)
	}
}

func TestRateLimit_ZeroRate(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	store.reserve("k")
	if d := store.reserve("k"); d != time.Second {
		t.Errorf("expected a one second hint for zero rate, got %s", d)
	}
}

func TestRateLimit_IdleSweep(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	store.reserve("a")
	store.reserve("b")
	now = now.Add(2 * time.Minute)
	store.reserve("c")

	if n := store.size(); n != 1 {
		t.Errorf("expected idle limiters to be swept, %d remain", n)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 20 || cfg.BurstSize != 40 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
