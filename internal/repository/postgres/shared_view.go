package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
)

// SharedViewStore implements share.Store against the shared_views table.
type SharedViewStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSharedViewStore creates a Postgres-backed share store.
func NewSharedViewStore(db *sql.DB) *SharedViewStore {
	return &SharedViewStore{db: db, timeout: QueryTimeout}
}

// Insert writes a view once. An existing token is an integrity conflict.
func (s *SharedViewStore) Insert(ctx context.Context, v domain.SharedView) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `
		INSERT INTO shared_views (token, config, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO NOTHING
	`, v.Token, string(v.Config), v.CreatedBy, v.CreatedAt, v.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert shared view: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert shared view: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("shared view token: %w", apperr.ErrIntegrityConflict)
	}
	return nil
}

func (s *SharedViewStore) Get(ctx context.Context, token string) (*domain.SharedView, error) {
	var (
		v       domain.SharedView
		config  []byte
		expires sql.NullTime
	)
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.QueryRowContext(queryCtx, `
		SELECT token, config, created_by, created_at, expires_at
		FROM shared_views WHERE token = $1
	`, token).Scan(&v.Token, &config, &v.CreatedBy, &v.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("shared view")
	}
	if err != nil {
		return nil, fmt.Errorf("get shared view: %w", err)
	}
	v.Config = config
	v.CreatedAt = v.CreatedAt.UTC()
	v.ExpiresAt = timePtr(expires)
	return &v, nil
}
