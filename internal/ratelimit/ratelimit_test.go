package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, remaining, err := limiter.Allow(ctx, "tenant-1")
	if err != nil || !allowed {
		t.Fatalf("expected first request allowed, got allowed=%v err=%v", allowed, err)
	}
	if remaining > 1 {
		t.Fatalf("expected at most 1 token left, got %f", remaining)
	}

	allowed, _, _ = limiter.Allow(ctx, "tenant-1")
	if !allowed {
		t.Fatal("expected second request allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "tenant-1")
	if allowed {
		t.Fatal("expected third request rejected")
	}

	// Buckets are per tenant.
	allowed, _, _ = limiter.Allow(ctx, "tenant-2")
	if !allowed {
		t.Fatal("expected a fresh tenant to have its own bucket")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// script takes its clock from Go, not from Redis.
}
