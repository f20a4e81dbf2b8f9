package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"runbox/internal/common/cache"
	"runbox/internal/common/ratelimit"
)

func newTestLimiter(t *testing.T) *ratelimit.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return ratelimit.NewService(redisCache, time.Minute, time.Second)
}

func newLimitedRouter(limiter *ratelimit.Service, policy RateLimitPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(limiter, "sandbox", policy, time.Minute))
	router.POST("/run", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func hit(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitPerIP(t *testing.T) {
	router := newLimitedRouter(newTestLimiter(t), RateLimitPolicy{IPMax: 2})

	for i := 0; i < 2; i++ {
		if w := hit(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if w := hit(router, "10.0.0.1:1234"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 above the ip limit, got %d", w.Code)
	}
	// A different client still has budget.
	if w := hit(router, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected other ip unaffected, got %d", w.Code)
	}
}

func TestRateLimitPerRoute(t *testing.T) {
	router := newLimitedRouter(newTestLimiter(t), RateLimitPolicy{RouteMax: 1})

	if w := hit(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", w.Code)
	}
	// The route budget is shared across clients.
	if w := hit(router, "10.0.0.2:1234"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 above the route limit, got %d", w.Code)
	}
}

func TestRateLimitNilLimiter(t *testing.T) {
	router := newLimitedRouter(nil, RateLimitPolicy{IPMax: 1, RouteMax: 1})

	for i := 0; i < 5; i++ {
		if w := hit(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("expected pass-through without limiter, got %d", w.Code)
		}
	}
}

func TestRateLimitZeroPolicy(t *testing.T) {
	router := newLimitedRouter(newTestLimiter(t), RateLimitPolicy{})

	for i := 0; i < 5; i++ {
		if w := hit(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("expected no limits with zero policy, got %d", w.Code)
		}
	}
}
