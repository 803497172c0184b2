package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", limit, window)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l, mr
}

func TestCheckCountsDownPerKey(t *testing.T) {
	l, _ := newLimiter(t, 2, time.Minute)
	ctx := context.Background()

	first := l.Check(ctx, "login|203.0.113.1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first = %+v", first)
	}
	second := l.Check(ctx, "login|203.0.113.1")
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("second = %+v", second)
	}
	third := l.Check(ctx, "login|203.0.113.1")
	if third.Allowed || third.Remaining != 0 {
		t.Fatalf("third = %+v", third)
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", third.RetryAfter)
	}
	if !l.Allow(ctx, "login|203.0.113.2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestNewWindowResetsQuota(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	if !l.Allow(ctx, "user:7") || l.Allow(ctx, "user:7") {
		t.Fatalf("expected one hit per window")
	}
	l.now = func() time.Time { return base.Add(time.Minute) }
	if !l.Allow(ctx, "user:7") {
		t.Fatalf("next window should start a fresh count")
	}
}

func TestCheckFailsClosed(t *testing.T) {
	l, mr := newLimiter(t, 1, 30*time.Second)
	mr.Close()
	d := l.Check(context.Background(), "ip-1")
	if d.Allowed || d.RetryAfter != 30*time.Second {
		t.Fatalf("redis outage = %+v, want deny for one window", d)
	}
	var nilLimiter *FixedWindowLimiter
	if nilLimiter.Allow(context.Background(), "ip-1") {
		t.Fatalf("nil limiter must deny")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	}
	for in, want := range cases {
		if got := (Decision{RetryAfter: in}).RetryAfterSeconds(); got != want {
			t.Fatalf("RetryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestConstructorValidation(t *testing.T) {
	if l, err := NewRedisFixedWindowLimiter(nil, "p", 1, time.Second); err == nil || l != nil {
		t.Fatalf("missing client must fail")
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if _, err := NewRedisFixedWindowLimiter(client, "p", 0, time.Second); err == nil {
		t.Fatalf("zero limit must fail")
	}
	l, err := NewRedisFixedWindowLimiter(client, "  ", 3, time.Second)
	if err != nil || l.prefix != "rentalhub:ratelimit" || l.Limit() != 3 {
		t.Fatalf("defaults = %+v, %v", l, err)
	}
}
