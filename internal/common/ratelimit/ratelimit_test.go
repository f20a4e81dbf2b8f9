package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"runbox/internal/common/cache"
	pkgerrors "runbox/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return NewService(redisCache, time.Minute, time.Second), mr
}

func TestAllowUnderLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Allow(ctx, "ratelimit:ip:10.0.0.1", 3, time.Minute); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	err := svc.Allow(ctx, "ratelimit:ip:10.0.0.1", 3, time.Minute)
	if err == nil {
		t.Fatalf("expected rejection above the limit")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.TooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", got)
	}
}

func TestAllowWindowReset(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	if err := svc.Allow(ctx, "ratelimit:route:sandbox", 1, time.Minute); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := svc.Allow(ctx, "ratelimit:route:sandbox", 1, time.Minute); err == nil {
		t.Fatalf("expected second request rejected")
	}

	mr.FastForward(61 * time.Second)
	if err := svc.Allow(ctx, "ratelimit:route:sandbox", 1, time.Minute); err != nil {
		t.Fatalf("expected fresh window after expiry, got %v", err)
	}
}

func TestAllowSeparateKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Allow(ctx, "ratelimit:ip:10.0.0.1", 1, time.Minute); err != nil {
		t.Fatalf("first key: %v", err)
	}
	if err := svc.Allow(ctx, "ratelimit:ip:10.0.0.1", 1, time.Minute); err == nil {
		t.Fatalf("expected first key exhausted")
	}
	if err := svc.Allow(ctx, "ratelimit:ip:10.0.0.2", 1, time.Minute); err != nil {
		t.Fatalf("expected second key unaffected, got %v", err)
	}
}

func TestAllowDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 10; i++ {
		if err := svc.Allow(context.Background(), "ratelimit:off", 0, time.Minute); err != nil {
			t.Fatalf("expected zero max to disable limiting, got %v", err)
		}
	}
}

func TestAllowWithoutCache(t *testing.T) {
	svc := NewService(nil, time.Minute, time.Second)
	err := svc.Allow(context.Background(), "ratelimit:any", 1, time.Minute)
	if got := pkgerrors.GetCode(err); got != pkgerrors.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", got)
	}
}

func TestAllowDefaultWindow(t *testing.T) {
	svc, mr := newTestService(t)

	if err := svc.Allow(context.Background(), "ratelimit:defaults", 5, 0); err != nil {
		t.Fatalf("allow with zero window: %v", err)
	}
	if ttl := mr.TTL("ratelimit:defaults"); ttl != time.Minute {
		t.Fatalf("expected service window applied, got %v", ttl)
	}
}
