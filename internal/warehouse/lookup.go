package warehouse

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
)

// ResolveIDs maps stable external ids to local ids with one bounded lookup:
// SELECT stable_external_id, id FROM table WHERE stable_external_id IN (...).
// Ids not present in the table are absent from the result.
func (g *Gateway) ResolveIDs(ctx context.Context, table string, externalIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(ConflictColumn, "id")
	sb.From(table)
	sb.Where(sb.In(ConflictColumn, sqlbuilder.Flatten(externalIDs)...))
	query, args := sb.Build()

	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve %s ids: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := rows.Record()
		out[rec.String(ConflictColumn)] = int64(rec.Int("id"))
	}
	return out, rows.Err()
}
