package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, ttl), mr
}

func TestLockerRejectsSecondHolder(t *testing.T) {
	locker, _ := newTestLocker(t, time.Minute)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, CloseLockKey(7))
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, CloseLockKey(7))
	require.ErrorIs(t, err, ErrLockHeld)
	require.True(t, errors.Is(err, ErrConcurrency))

	require.NoError(t, release(ctx))
	again, err := locker.Acquire(ctx, CloseLockKey(7))
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, CloseLockKey(3))
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	other, err := locker.Acquire(ctx, CloseLockKey(3))
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	require.True(t, mr.Exists(CloseLockKey(3)), "stale release must not drop the new holder's lock")
	require.NoError(t, other(ctx))
	require.False(t, mr.Exists(CloseLockKey(3)))
}

func TestLockKeysAreBusinessScoped(t *testing.T) {
	require.NotEqual(t, CloseLockKey(1), CloseLockKey(2))
	require.NotEqual(t, CloseLockKey(1), IntegrityLockKey(1))
}
