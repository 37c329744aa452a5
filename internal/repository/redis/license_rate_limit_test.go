package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestFixedWindowLimiter_SixtyFirstRequestRejected(t *testing.T) {
	client, _ := newTestRedis(t)
	limiter := NewFixedWindowLimiter(client, "test")

	ctx := context.Background()
	base := time.Unix(1_700_000_040, 0)

	for i := 0; i < 60; i++ {
		decision, err := limiter.Allow(ctx, "lic-1", 60, time.Minute, base.Add(time.Duration(i)*100*time.Millisecond))
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}

	decision, err := limiter.Allow(ctx, "lic-1", 60, time.Minute, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected 61st request to be rejected")
	}
	if decision.Count != 61 {
		t.Fatalf("expected count 61, got %d", decision.Count)
	}
	if decision.RetryAfterSeconds() <= 0 || decision.RetryAfterSeconds() > 60 {
		t.Fatalf("retry after out of range: %d", decision.RetryAfterSeconds())
	}
}

func TestFixedWindowLimiter_WindowsAreIndependent(t *testing.T) {
	client, server := newTestRedis(t)
	limiter := NewFixedWindowLimiter(client, "test")

	ctx := context.Background()
	base := time.Unix(1_700_000_040, 0)

	if _, err := limiter.Allow(ctx, "lic-1", 1, time.Minute, base); err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	decision, _ := limiter.Allow(ctx, "lic-1", 1, time.Minute, base.Add(time.Second))
	if decision.Allowed {
		t.Fatalf("expected second request in window to be rejected")
	}

	next, err := limiter.Allow(ctx, "lic-1", 1, time.Minute, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if !next.Allowed || next.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", next)
	}

	other, _ := limiter.Allow(ctx, "lic-2", 1, time.Minute, base)
	if !other.Allowed {
		t.Fatalf("expected separate license to have its own counter")
	}

	if ttl := server.TTL("test:lic-1:1700000040"); ttl <= 0 || ttl > time.Minute+time.Second {
		t.Fatalf("expected counter ttl bounded by window, got %v", ttl)
	}
}

func TestRateLimitRepository_SlidingWindow(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rl", TTL: time.Minute})

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if err := repo.RecordAttempt(ctx, "challenge:203.0.113.7", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordAttempt returned error: %v", err)
		}
	}

	reference := now.Add(30 * time.Second)
	count, err := repo.CountAttempts(ctx, "challenge:203.0.113.7", 29*time.Second, reference)
	if err != nil {
		t.Fatalf("CountAttempts returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 attempts inside window, got %d", count)
	}

	if err := repo.TrimWindow(ctx, "challenge:203.0.113.7", 29*time.Second, reference); err != nil {
		t.Fatalf("TrimWindow returned error: %v", err)
	}
	oldest, ok, err := repo.OldestAttempt(ctx, "challenge:203.0.113.7", time.Minute, reference)
	if err != nil || !ok {
		t.Fatalf("OldestAttempt = %v, %v", ok, err)
	}
	if !oldest.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected oldest attempt at %v, got %v", now.Add(2*time.Second), oldest)
	}

	if ttl := server.TTL("rl:challenge:203.0.113.7"); ttl != time.Minute {
		t.Fatalf("expected ttl of one minute, got %v", ttl)
	}
}
