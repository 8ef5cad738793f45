// Package clients wraps the external services the engine talks to.
package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout time.Duration
	Timeout     time.Duration

	Prefix string
	Logger *zap.Logger
}

// RedisClient prefixes every key so several environments can share one
// Redis instance.
type RedisClient struct {
	raw    *goredis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "billing_"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisClient{raw: rdb, prefix: prefix, logger: logger.With(zap.String("component", "redis"))}, nil
}

func (c *RedisClient) Close() {
	if c.raw == nil {
		return
	}
	_ = c.raw.Close()
}

func (c *RedisClient) withPrefix(key string) string {
	return c.prefix + key
}

// LPush prepends values to a list. The mail worker pops from the right.
func (c *RedisClient) LPush(ctx context.Context, key string, values ...any) error {
	return c.raw.LPush(ctx, c.withPrefix(key), values...).Err()
}

// =============================================================================
// RUN LOCK - billing.Locker on SET NX
// =============================================================================

// releaseScript deletes the lock only while it still holds our token, so
// an expired lock re-acquired by another run is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire implements billing.Locker.
func (c *RedisClient) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := c.withPrefix("lock:" + key)
	token := uuid.NewString()

	ok, err := c.raw.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() { c.release(lockKey, token, ttl) }, true, nil
}

// release drops the lock if it still holds token. On failure the lock
// stays until ttl runs out.
func (c *RedisClient) release(lockKey, token string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := releaseScript.Run(ctx, c.raw, []string{lockKey}, token).Err()
	if err == nil || errors.Is(err, goredis.Nil) {
		return
	}
	c.logger.Warn("run lock not released",
		zap.String("key", lockKey),
		zap.Duration("expires_in", ttl),
		zap.Error(err))
}
