package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vcam/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func serve(router http.Handler, remoteAddr string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w.Code
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.RateLimit.RequestsPerSecond = 0.001
	cfg.Server.RateLimit.Burst = 1
	router := newLimitedRouter(cfg)

	for i := 0; i < 3; i++ {
		if code := serve(router, "127.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, code)
		}
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 0.001
	cfg.Server.RateLimit.Burst = 1
	cfg.Server.RateLimit.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	if code := serve(router, "127.0.0.1:5000"); code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", code)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "127.0.0.1:5001"
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request from same IP, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	// a different IP has its own bucket
	if code := serve(router, "10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("expected status 200 for another IP, got %d", code)
	}
}

func TestLimiterSet_EvictsIdleClients(t *testing.T) {
	set := newLimiterSet(rate.Limit(1), 1)
	now := time.Unix(1000, 0)
	set.now = func() time.Time { return now }

	set.get("127.0.0.1")
	set.get("127.0.0.2")
	if n := set.size(); n != 2 {
		t.Fatalf("expected 2 limiters, got %d", n)
	}

	now = now.Add(limiterIdleTimeout + time.Second)
	set.get("127.0.0.3")
	if n := set.size(); n != 1 {
		t.Fatalf("expected idle limiters to be swept, got %d", n)
	}
}

func TestHTTPRateLimitMiddleware_MaxConcurrent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 1000
	cfg.Server.RateLimit.Burst = 1000
	cfg.Server.RateLimit.MaxConcurrent = 1

	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	entered := make(chan struct{})
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() { done <- serve(router, "127.0.0.1:5000") }()
	<-entered

	if code := serve(router, "127.0.0.1:5001"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while a request is in flight, got %d", code)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", code)
	}
}
