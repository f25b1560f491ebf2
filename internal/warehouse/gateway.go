// Package warehouse is the pooled gateway to the Postgres warehouse: the
// fast, queryable copy of the system of record that the sync engine fills
// and the query layer reads first.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds pool and timeout settings.
type Config struct {
	DatabaseURL  string
	MaxOpenConns int
	MinIdleConns int
	Timeout      time.Duration
}

// Gateway owns the connection pool. It is safe for concurrent use.
type Gateway struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to the warehouse and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Gateway, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 10
	}
	minIdle := cfg.MinIdleConns
	if minIdle < 1 {
		minIdle = 1
	}
	if minIdle > maxOpen {
		minIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(minIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	g := New(db, cfg.Timeout)
	pingCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", classify(err))
	}
	return g, nil
}

// New wraps an existing *sql.DB. Tests pass a sqlmock database here.
func New(db *sql.DB, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{db: db, timeout: timeout}
}

// DB exposes the pool for components that need database/sql directly
// (advisory locks, LISTEN/NOTIFY setup).
func (g *Gateway) DB() *sql.DB { return g.db }

// Close releases the pool.
func (g *Gateway) Close() error { return g.db.Close() }

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// WithConn pins a single pooled connection for the duration of fn. The
// connection is returned to the pool on every exit path, including panics.
func (g *Gateway) WithConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	conn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", classify(err))
	}
	defer conn.Close()

	return fn(ctx, conn)
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back on error or panic; a panic is re-raised after
// the rollback.
func (g *Gateway) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// Execute runs a single write or DDL statement in its own transaction and
// returns the number of affected rows.
func (g *Gateway) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := g.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
