package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(enabled bool, rules map[string]Rule) *Limiter {
	return New(Config{
		Enabled:     enabled,
		Rules:       rules,
		DefaultRule: Rule{MaxRequests: 10, Window: time.Minute},
		Store:       NewMemoryStore(),
	})
}

func TestCheckAllowsWithinLimit(t *testing.T) {
	limiter := newTestLimiter(true, map[string]Rule{
		"otp-send": {MaxRequests: 5, Window: time.Minute},
	})

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(context.Background(), "client-a", "otp-send")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if result.Remaining != 5-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, result.Remaining, 5-(i+1))
		}
	}

	result, err := limiter.Check(context.Background(), "client-a", "otp-send")
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if result.Allowed {
		t.Error("6th request should be denied")
	}
	if result.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", result.Remaining)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("denied retryAfter = %v, want > 0", result.RetryAfter)
	}
}

func TestCheckIsolatesClientsAndClasses(t *testing.T) {
	limiter := newTestLimiter(true, map[string]Rule{
		"otp-send": {MaxRequests: 1, Window: time.Minute},
	})

	if result, _ := limiter.Check(context.Background(), "client-a", "otp-send"); !result.Allowed {
		t.Fatal("first request for client-a should be allowed")
	}
	if result, _ := limiter.Check(context.Background(), "client-a", "otp-send"); result.Allowed {
		t.Fatal("second request for client-a should be denied")
	}

	// Another client on the same class is a separate window.
	if result, _ := limiter.Check(context.Background(), "client-b", "otp-send"); !result.Allowed {
		t.Error("client-b should have its own window")
	}

	// Same client on another class is also separate.
	if result, _ := limiter.Check(context.Background(), "client-a", "session-start"); !result.Allowed {
		t.Error("client-a on another class should have its own window")
	}
}

func TestCheckWindowReset(t *testing.T) {
	limiter := New(Config{
		Enabled: true,
		Rules: map[string]Rule{
			"otp-send": {MaxRequests: 1, Window: 30 * time.Millisecond},
		},
		Store: NewMemoryStore(),
	})

	if result, _ := limiter.Check(context.Background(), "client-a", "otp-send"); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result, _ := limiter.Check(context.Background(), "client-a", "otp-send"); result.Allowed {
		t.Fatal("second request should be denied")
	}

	time.Sleep(40 * time.Millisecond)

	if result, _ := limiter.Check(context.Background(), "client-a", "otp-send"); !result.Allowed {
		t.Error("request after window elapsed should start a fresh window")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter := newTestLimiter(false, map[string]Rule{
		"otp-send": {MaxRequests: 1, Window: time.Minute},
	})

	for i := 0; i < 20; i++ {
		result, err := limiter.Check(context.Background(), "client-a", "otp-send")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("disabled limiter denied request %d", i+1)
		}
	}
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	const limit = 25
	limiter := newTestLimiter(true, map[string]Rule{
		"session-start": {MaxRequests: limit, Window: time.Minute},
	})

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Check(context.Background(), "client-a", "session-start")
			if err != nil {
				t.Errorf("concurrent check: %v", err)
				return
			}
			if result.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed %d requests, want exactly %d", allowed, limit)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()

	store.Incr(context.Background(), "expired", 10*time.Millisecond)
	store.Incr(context.Background(), "live", time.Minute)

	time.Sleep(20 * time.Millisecond)

	if removed := store.Sweep(); removed != 1 {
		t.Errorf("sweep removed %d entries, want 1", removed)
	}

	// The surviving window must keep its count.
	count, _, err := store.Incr(context.Background(), "live", time.Minute)
	if err != nil {
		t.Fatalf("incr after sweep: %v", err)
	}
	if count != 2 {
		t.Errorf("live window count = %d, want 2", count)
	}
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := newTestLimiter(true, map[string]Rule{
		"otp-send": {MaxRequests: 1, Window: time.Minute},
	})

	router := gin.New()
	router.POST("/verification/send", Middleware(limiter, "otp-send"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})

	req := httptest.NewRequest("POST", "/verification/send", nil)
	req.RemoteAddr = "10.0.0.1:4000"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("denied response missing Retry-After header")
	}
}
