package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
)

// Watermarks persists the per-table sync high-water mark.
type Watermarks interface {
	Get(ctx context.Context, table string) (*time.Time, error)
	Advance(ctx context.Context, table string, at time.Time) error
	All(ctx context.Context) ([]domain.SyncWatermark, error)
}

type sqlRunner interface {
	QueryAll(ctx context.Context, query string, args ...interface{}) ([]warehouse.Record, error)
	Execute(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// WatermarkStore keeps watermarks in the sync_watermarks table.
type WatermarkStore struct {
	db sqlRunner
}

// NewWatermarkStore creates a watermark store on the warehouse.
func NewWatermarkStore(db sqlRunner) *WatermarkStore {
	return &WatermarkStore{db: db}
}

// Get returns the table's watermark, or nil when it was never synced.
func (s *WatermarkStore) Get(ctx context.Context, table string) (*time.Time, error) {
	recs, err := s.db.QueryAll(ctx,
		`SELECT last_sync_at FROM sync_watermarks WHERE table_name = $1`, table)
	if err != nil {
		return nil, watermarkErr(err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	t, ok := recs[0]["last_sync_at"].(time.Time)
	if !ok {
		return nil, nil
	}
	t = t.UTC()
	return &t, nil
}

// Advance moves the watermark forward to at. A value older than the stored
// one is ignored, so the watermark never decreases.
func (s *WatermarkStore) Advance(ctx context.Context, table string, at time.Time) error {
	_, err := s.db.Execute(ctx, `
		INSERT INTO sync_watermarks (table_name, last_sync_at)
		VALUES ($1, $2)
		ON CONFLICT (table_name) DO UPDATE
		SET last_sync_at = GREATEST(sync_watermarks.last_sync_at, EXCLUDED.last_sync_at)`,
		table, at.UTC())
	if err != nil {
		return watermarkErr(err)
	}
	return nil
}

// All lists every stored watermark.
func (s *WatermarkStore) All(ctx context.Context) ([]domain.SyncWatermark, error) {
	recs, err := s.db.QueryAll(ctx,
		`SELECT table_name, last_sync_at FROM sync_watermarks ORDER BY table_name`)
	if err != nil {
		return nil, watermarkErr(err)
	}
	out := make([]domain.SyncWatermark, 0, len(recs))
	for _, r := range recs {
		wm := domain.SyncWatermark{TableName: r.String("table_name")}
		if t, ok := r["last_sync_at"].(time.Time); ok {
			t = t.UTC()
			wm.LastSyncAt = &t
		}
		out = append(out, wm)
	}
	return out, nil
}

// A missing or malformed watermark table cannot heal by retrying.
func watermarkErr(err error) error {
	if errors.Is(err, apperr.ErrQueryShape) {
		return fmt.Errorf("sync_watermarks: %w: %v", apperr.ErrFatal, err)
	}
	return fmt.Errorf("sync_watermarks: %w", err)
}
