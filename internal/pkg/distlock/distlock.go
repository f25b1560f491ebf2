// Package distlock guards work that must run on exactly one replica at a
// time: a scheduler job tick, or the drain of one email campaign.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotHeld is returned by Release when the lock is not owned.
	ErrNotHeld = errors.New("distlock: lock not held")
	// ErrLeaseLost is returned by WithLease when a renewal finds the lock
	// owned by someone else.
	ErrLeaseLost = errors.New("distlock: lease lost")
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire on their own and must be
// renewed while held. Advisory locks live as long as their session and do
// not need it.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Factory builds locks by key. Components take a Factory so tests can pass
// miniredis-backed or no-op locks.
type Factory func(key string, ttl time.Duration) DistLock

// NewFactory returns a Factory using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks; with neither, locks are
// process-local no-ops.
func NewFactory(redisClient *redis.Client, db *sql.DB) Factory {
	return func(key string, ttl time.Duration) DistLock {
		return NewLock(redisClient, db, key, ttl)
	}
}

// NewLock creates a distributed lock using the best available backend.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return noopLock{}
}

// WithLock runs fn only if the lock is acquired. It reports whether fn ran.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return true, fn(ctx)
}

// WithLease is WithLock for work that can outlive a short TTL. While fn runs,
// an expiring lock is renewed every ttl/3, so a crashed holder blocks others
// for at most ttl. When a renewal finds the lock taken, fn's context is
// cancelled and ErrLeaseLost is returned. Renewal errors other than
// ErrNotHeld are retried on the next beat.
func WithLease(ctx context.Context, lock DistLock, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	ext, ok := lock.(Extender)
	if !ok || ttl <= 0 {
		return WithLock(ctx, lock, fn)
	}
	return WithLock(ctx, lock, func(ctx context.Context) error {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		stop := make(chan struct{})
		var beat sync.WaitGroup
		beat.Add(1)
		go func() {
			defer beat.Done()
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					err := ext.Extend(context.WithoutCancel(ctx), ttl)
					if errors.Is(err, ErrNotHeld) {
						cancel(ErrLeaseLost)
						return
					}
				}
			}
		}()

		err := fn(ctx)
		close(stop)
		beat.Wait()
		if errors.Is(context.Cause(ctx), ErrLeaseLost) {
			return fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
		return err
	})
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock pins one pooled
// connection from Acquire until Release and unlocks on that same session.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("distlock: pin connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns the pinned connection.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

type noopLock struct{}

func (noopLock) Acquire(context.Context) (bool, error) { return true, nil }
func (noopLock) Release(context.Context) error { return nil }
