package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/config"
)

const redisPingAttempts = 5

// ConnectRedis returns nil when REDIS_ADDR is empty; callers fall back to
// in-process implementations.
func ConnectRedis(ctx context.Context, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, using in-memory rate limits and token ledger")
		return nil, nil
	}
	log = log.With(zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var err error
	for i := 0; i < redisPingAttempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			log.Info("redis connected")
			return rdb, nil
		}
		log.Warn("redis not ready, retrying", zap.Int("retry", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("ping redis: %w", err)
}
