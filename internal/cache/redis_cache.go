package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"caixa/backend/internal/domain"
)

type RedisSaleCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSaleCache(client *redis.Client) *RedisSaleCache {
	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Close() error {
	return c.client.Close()
}

func (c *RedisSaleCache) Get(ctx context.Context, saleID string) (*domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleKey(saleID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sale domain.Sale
	if err := json.Unmarshal([]byte(val), &sale); err != nil {
		return nil, false, err
	}
	return &sale, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, sale *domain.Sale, ttl time.Duration) error {
	if sale == nil {
		return nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKey(sale.ID), payload, ttl).Err()
}

func (c *RedisSaleCache) Delete(ctx context.Context, saleID string) error {
	return c.client.Del(ctx, saleKey(saleID)).Err()
}

// RedisWatchLocker keeps a single PIX watcher per sale across every
// process sharing the Redis instance.
type RedisWatchLocker struct {
	locker *redislock.Client
}

func NewRedisWatchLocker(client *redis.Client) *RedisWatchLocker {
	return &RedisWatchLocker{locker: redislock.New(client)}
}

func (l *RedisWatchLocker) Acquire(ctx context.Context, saleID string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, watchKey(saleID), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		// The watch may outlive the caller's context.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn().Err(err).Str("component", "watch-lock").Str("sale_id", saleID).Msg("release failed")
		}
	}, true, nil
}
