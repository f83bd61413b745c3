package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
)

// RedisLocker is a distributed Locker built on redsync. Held locks are
// extended in the background until released.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
	logger logger.Logger
}

func NewRedisLocker(client *redis.Client, expiry time.Duration, tries int, log logger.Logger) *RedisLocker {
	if expiry <= 0 {
		expiry = 2 * time.Minute
	}
	if tries <= 0 {
		tries = 64
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		tries:  tries,
		logger: log,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	mutex := l.rs.NewMutex(constants.LockKeyPrefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(100*time.Millisecond),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", key, err)
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.renew(renewCtx, mutex, done)

	return func(ctx context.Context) error {
		stopRenew()
		<-done
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to release lock for %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("lock for %s expired before release", key)
		}
		return nil
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, mutex *redsync.Mutex, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(ctx); err != nil || !ok {
				l.logger.Warnw("Failed to extend subscription lock", "lock", mutex.Name(), "error", err)
				return
			}
		}
	}
}
