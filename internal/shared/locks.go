package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CloseLockKey builds the redis key guarding period closure for a business.
func CloseLockKey(businessID int64) string {
	return fmt.Sprintf("ledger:business:%d:close", businessID)
}

// IntegrityLockKey builds the redis key guarding chain verification for a business.
func IntegrityLockKey(businessID int64) string {
	return fmt.Sprintf("ledger:business:%d:integrity", businessID)
}

// ErrLockHeld indicates another worker owns the lock.
var ErrLockHeld = fmt.Errorf("%w: lock held by another worker", ErrConcurrency)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short lived, token-checked redis locks shared by all workers.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLocker constructs a Locker. A non-positive ttl defaults to five minutes.
func NewLocker(client redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes key or returns ErrLockHeld. The returned release func only
// deletes the key while it still carries this caller's token.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("shared: release lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}
