package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
)

// releaseScript deletes the key only while it still holds our token
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker implements Locker with SET NX PX on a single Redis
type RedisLocker struct {
	client        redis.Cmdable
	prefix        string
	logger        *zap.SugaredLogger
	retryInterval time.Duration
}

// NewRedisLocker creates a locker. Keys are stored as prefix + "lock:" + key.
// The caller owns the client lifecycle.
func NewRedisLocker(client redis.Cmdable, prefix string, log *zap.SugaredLogger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		prefix:        prefix,
		logger:        logger.OrNop(log),
		retryInterval: DefaultRetryInterval,
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return l.prefix + "lock:" + key
}

// Acquire sets the key with a fresh token if absent; the key expires after timeout
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	rkey := l.redisKey(key)

	try := func(ctx context.Context) (bool, error) {
		return l.client.SetNX(ctx, rkey, token, timeout).Result()
	}
	if err := acquireWithRetry(ctx, key, timeout, l.retryInterval, try); err != nil {
		return nil, err
	}

	l.logger.Debugw("Lock acquired", logger.FieldLockKey, key, logger.FieldTimeout, timeout, "backend", "redis")
	return &redisLock{locker: l, key: key, token: token}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string

	once sync.Once
	err  error
}

func (r *redisLock) Key() string { return r.key }

func (r *redisLock) Release(ctx context.Context) error {
	r.once.Do(func() {
		n, err := r.locker.client.Eval(ctx, releaseScript, []string{r.locker.redisKey(r.key)}, r.token).Int64()
		if err != nil {
			err = errors.Wrap(err, "failed to release lock")
			r.err = errors.WithDetail(err, fmt.Sprintf("Lock key: %s", r.key))
			return
		}
		if n == 0 {
			r.err = errors.WithDetail(errors.ErrLockLost, fmt.Sprintf("Lock key: %s", r.key))
			return
		}
		r.locker.logger.Debugw("Lock released", logger.FieldLockKey, r.key, "backend", "redis")
	})
	return r.err
}
