package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orderdesk/backend/internal/logger"
)

// RedisLocker shares the lock domain between server instances. A lock that
// cannot be obtained before ctx expires (or before ttl when ctx has no
// deadline) fails with ErrNotAcquired.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	prefix  string
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:  redislock.New(client),
		ttl:     ttl,
		backoff: 25 * time.Millisecond,
		prefix:  "orderdesk:lock:",
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	for _, key := range keys {
		lk, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(l.backoff),
		})
		if err != nil {
			l.releaseAll(held)
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
			}
			return nil, err
		}
		held = append(held, lk)
	}
	return func() { l.releaseAll(held) }, nil
}

func (l *RedisLocker) releaseAll(held []*redislock.Lock) {
	// The caller's context may already be done; releases get their own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.L().Warn("failed to release redis lock",
				zap.String("key", held[i].Key()),
				zap.Error(err),
			)
		}
	}
}
