package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job:sync", time.Minute)
	b := NewRedisLock(client, "job:sync", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign:1", time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "campaign:1", time.Second)
	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestPGAdvisoryLock_AcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "campaign:abc")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.ErrorIs(t, lock.Release(context.Background()), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLock(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	factory := NewFactory(client, nil)

	holder := factory("job:email", time.Minute)
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)

	ran, err := WithLock(ctx, factory("job:email", time.Minute), func(context.Context) error {
		t.Fatal("must not run while lock is held elsewhere")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, holder.Release(ctx))

	boom := errors.New("boom")
	ran, err = WithLock(ctx, factory("job:email", time.Minute), func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestWithLease_RenewsWhileRunning(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	ttl := 90 * time.Millisecond

	ran, err := WithLease(ctx, NewRedisLock(client, "campaign:7", ttl), ttl, func(context.Context) error {
		// Pretend the lock is about to lapse; the heartbeat must push it back.
		mr.SetTTL("dashboard:lock:campaign:7", time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL("dashboard:lock:campaign:7") == ttl
		}, 2*time.Second, 5*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("dashboard:lock:campaign:7"), "released on return")
}

func TestWithLease_LostLeaseCancelsWork(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	ttl := 60 * time.Millisecond

	ran, err := WithLease(ctx, NewRedisLock(client, "campaign:8", ttl), ttl, func(ctx context.Context) error {
		// Another replica took over after our key lapsed.
		require.NoError(t, mr.Set("dashboard:lock:campaign:8", "someone-else"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("work was not cancelled")
		}
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, ErrLeaseLost)
	got, _ := mr.Get("dashboard:lock:campaign:8")
	assert.Equal(t, "someone-else", got, "the new owner keeps its lock")
}

func TestWithLease_NonExpiringLockRunsPlainly(t *testing.T) {
	ran, err := WithLease(context.Background(), NewLock(nil, nil, "x", time.Second), time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestNewLock_NoBackendIsNoop(t *testing.T) {
	lock := NewLock(nil, nil, "x", time.Second)
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, lock.Release(context.Background()))
}
