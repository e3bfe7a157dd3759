package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "uarflow:lock:"

// ErrLockLost is returned by Unlock when the key expired or was taken over
// by another owner.
var ErrLockLost = errors.New("lock no longer held")

// Only the owner holding token may delete the key.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring single-owner locks keyed by job name.
type Locker struct {
	client *Client
	logger *zap.Logger
}

func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger.Named("lock")}
}

func lockKey(name string) string {
	return lockPrefix + name
}

// TryLock takes the lock for name when nobody holds it. ok is false, with a
// nil error, when another owner holds it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		l.logger.Debug("lock held elsewhere", zap.String("name", name))
		return "", false, nil
	}

	return token, true, nil
}

// Unlock releases name when token still owns it.
func (l *Locker) Unlock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, l.client.rdb, []string{lockKey(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("name", name))
		return ErrLockLost
	}
	return nil
}
