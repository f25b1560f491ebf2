package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/huandu/go-sqlbuilder"
)

// Chunk sizes for bulk writes.
const (
	ChunkHistorical  = 1000
	ChunkIncremental = 100
)

// ConflictColumn is the natural key of every synced table.
const ConflictColumn = "stable_external_id"

// UpsertSpec describes a bulk insert-or-update.
type UpsertSpec struct {
	Table          string
	Columns        []string
	Rows           [][]interface{}
	ConflictColumn string
	ChunkSize      int
	// RetryConflictsAsUpdate retries a chunk row by row as plain UPDATEs
	// when the insert trips a unique constraint other than the conflict
	// column.
	RetryConflictsAsUpdate bool
}

// UpsertBatch writes rows in chunks, each chunk in its own transaction, and
// returns the number of rows written. A failing chunk is rolled back; chunks
// already committed stay committed and the error is returned.
func (g *Gateway) UpsertBatch(ctx context.Context, spec UpsertSpec) (int, error) {
	if spec.ConflictColumn == "" {
		spec.ConflictColumn = ConflictColumn
	}
	if spec.ChunkSize <= 0 {
		spec.ChunkSize = ChunkIncremental
	}
	keyIdx := indexOf(spec.Columns, spec.ConflictColumn)
	if keyIdx < 0 {
		return 0, apperr.Validation("upsert into %s: conflict column %s not in column list", spec.Table, spec.ConflictColumn)
	}

	written := 0
	for start := 0; start < len(spec.Rows); start += spec.ChunkSize {
		end := start + spec.ChunkSize
		if end > len(spec.Rows) {
			end = len(spec.Rows)
		}
		chunk := dedupeByKey(spec.Rows[start:end], keyIdx)

		err := g.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			query, args := buildUpsert(spec, chunk)
			_, err := tx.ExecContext(ctx, query, args...)
			return err
		})
		if err != nil && spec.RetryConflictsAsUpdate && errors.Is(err, apperr.ErrIntegrityConflict) {
			logger.Warn("warehouse: chunk hit unique constraint, retrying rows as updates",
				"table", spec.Table, "rows", len(chunk))
			err = g.updateRows(ctx, spec, chunk, keyIdx)
		}
		if err != nil {
			return written, fmt.Errorf("upsert %s rows %d-%d: %w", spec.Table, start, end, err)
		}
		written += len(chunk)
	}
	return written, nil
}

// buildUpsert renders INSERT ... ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col
// for every non-key column.
func buildUpsert(spec UpsertSpec, rows [][]interface{}) (string, []interface{}) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(spec.Table)
	ib.Cols(spec.Columns...)
	for _, row := range rows {
		ib.Values(row...)
	}
	query, args := ib.Build()

	sets := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if c == spec.ConflictColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if len(sets) == 0 {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", spec.ConflictColumn)
	} else {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", spec.ConflictColumn, strings.Join(sets, ", "))
	}
	return query, args
}

func (g *Gateway) updateRows(ctx context.Context, spec UpsertSpec, rows [][]interface{}, keyIdx int) error {
	return g.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, row := range rows {
			ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
			ub.Update(spec.Table)
			assignments := make([]string, 0, len(spec.Columns))
			for i, c := range spec.Columns {
				if i == keyIdx {
					continue
				}
				assignments = append(assignments, ub.Assign(c, row[i]))
			}
			ub.Set(assignments...)
			ub.Where(ub.Equal(spec.ConflictColumn, row[keyIdx]))
			query, args := ub.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// dedupeByKey keeps the last row per conflict key, preserving first-seen
// order. Postgres rejects an ON CONFLICT statement that touches the same
// key twice.
func dedupeByKey(rows [][]interface{}, keyIdx int) [][]interface{} {
	pos := make(map[interface{}]int, len(rows))
	out := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		k := row[keyIdx]
		if i, ok := pos[k]; ok {
			out[i] = row
			continue
		}
		pos[k] = len(out)
		out = append(out, row)
	}
	return out
}

func indexOf(cols []string, col string) int {
	for i, c := range cols {
		if c == col {
			return i
		}
	}
	return -1
}
