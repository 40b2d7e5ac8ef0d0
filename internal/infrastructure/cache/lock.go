package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockNotAcquired is returned when the context ends before the lock is free
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DistributedLock is a SET NX PX mutex shared by every gateway replica
type DistributedLock struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewDistributedLock(rc RedisClient, prefix string, ttl time.Duration, logger *zap.Logger) *DistributedLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DistributedLock{
		client:       rc.Client(),
		prefix:       prefix,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
		logger:       logger,
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (l *DistributedLock) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", fullKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, fullKey, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("Failed to release lock", zap.String("key", fullKey), zap.Error(err))
		}
	}, nil
}
