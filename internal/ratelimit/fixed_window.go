package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Returns {hits, pttl} for the current window bucket.
var windowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// FixedWindowLimiter counts hits per key in Redis buckets of one window each.
type FixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	switch {
	case client == nil:
		return nil, errors.New("rate limiter redis client is required")
	case limit <= 0 || window < time.Millisecond:
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "rentalhub:ratelimit"
	}
	return &FixedWindowLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}, nil
}

// Limit is the number of hits allowed per window.
func (l *FixedWindowLimiter) Limit() int { return l.limit }

// Allow reports whether key is still within quota.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	return l.Check(ctx, key).Allowed
}

// Check records a hit for key. Redis errors deny the request for a full window.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	vals, err := windowScript.Run(ctx, l.client, []string{l.bucket(key)}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Decision{RetryAfter: l.window}
	}
	hits, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	d := Decision{Allowed: hits <= int64(l.limit), RetryAfter: ttl}
	if left := int64(l.limit) - hits; left > 0 {
		d.Remaining = int(left)
	}
	return d
}

func (l *FixedWindowLimiter) bucket(key string) string {
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	slot := l.now().UTC().UnixMilli() / l.window.Milliseconds()
	var b strings.Builder
	b.WriteString(l.prefix)
	b.WriteByte(':')
	b.WriteString(key)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(slot, 10))
	return b.String()
}
