package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/digkill/imagecredit/internal/clock"
)

// Ledger records spent token ids. Consume reports true only for the first use.
type Ledger interface {
	Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, prefix: "imagecredit:jti:"}
}

func (l *RedisLedger) Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume token id: %w", err)
	}
	return ok, nil
}

// MemoryLedger is the single-process fallback used when no Redis is configured.
type MemoryLedger struct {
	mu    sync.Mutex
	clock clock.Clock
	spent map[string]time.Time
}

func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	return &MemoryLedger{clock: clk, spent: make(map[string]time.Time)}
}

func (l *MemoryLedger) Consume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for id, exp := range l.spent {
		if !now.Before(exp) {
			delete(l.spent, id)
		}
	}
	if _, ok := l.spent[jti]; ok {
		return false, nil
	}
	l.spent[jti] = now.Add(ttl)
	return true, nil
}
