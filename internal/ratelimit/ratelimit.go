package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/digkill/imagecredit/internal/clock"
)

// Fixed window counter: the first hit in a window sets the expiry.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: "imagecredit:rl:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if err := validate(key, limit, window); err != nil {
		return nil, err
	}
	vals, err := l.script.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, errors.New("unexpected rate limit script reply")
	}
	return result(int(vals[0]), limit, time.Duration(vals[1])*time.Millisecond), nil
}

// MemoryLimiter keeps windows in process. It is used when Redis is not configured.
type MemoryLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	windows   map[string]*window
	nextSweep time.Time
}

type window struct {
	count int
	reset time.Time
}

func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clk, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (*Result, error) {
	if err := validate(key, limit, win); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweep(now, win)
	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(win)}
		l.windows[key] = w
	}
	w.count++
	return result(w.count, limit, w.reset.Sub(now)), nil
}

// sweep drops finished windows, at most once per window length.
func (l *MemoryLimiter) sweep(now time.Time, win time.Duration) {
	if now.Before(l.nextSweep) {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
	l.nextSweep = now.Add(win)
}

func validate(key string, limit int, window time.Duration) error {
	if key == "" {
		return errors.New("rate limiter key is empty")
	}
	if limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

func result(count, limit int, ttl time.Duration) *Result {
	res := &Result{Limit: limit, Remaining: max(0, limit-count), Allowed: count <= limit}
	if !res.Allowed {
		res.RetryAfter = max(ttl, 0)
	}
	return res
}
