package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Record is one result row keyed by column name. []byte values from the
// driver are converted to strings.
type Record map[string]interface{}

// String returns the column as a string ("" for NULL).
func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Float returns the column as a float64. NUMERIC columns arrive as text.
func (r Record) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// Int returns the column as an int.
func (r Record) Int(col string) int {
	switch v := r[col].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Bool returns the column as a bool.
func (r Record) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time returns the column as a time.Time (zero for NULL).
func (r Record) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// Strings returns a text[] column.
func (r Record) Strings(col string) []string {
	switch v := r[col].(type) {
	case []string:
		return v
	case string:
		var arr pq.StringArray
		if err := arr.Scan([]byte(v)); err == nil {
			return []string(arr)
		}
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	default:
		return nil
	}
}

// Rows is a lazy cursor over a query result. Close must be called; it also
// releases the query's timeout context.
type Rows struct {
	rows   *sql.Rows
	cols   []string
	cancel context.CancelFunc
	cur    Record
	err    error
}

// Next advances to the next row.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	vals := make([]interface{}, len(r.cols))
	ptrs := make([]interface{}, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = classify(err)
		return false
	}
	rec := make(Record, len(r.cols))
	for i, c := range r.cols {
		if b, ok := vals[i].([]byte); ok {
			rec[c] = string(b)
		} else {
			rec[c] = vals[i]
		}
	}
	r.cur = rec
	return true
}

// Record returns the current row.
func (r *Rows) Record() Record { return r.cur }

// Err returns the first error met while iterating.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return classify(r.rows.Err())
}

// Close releases the cursor and its connection.
func (r *Rows) Close() error {
	defer r.cancel()
	return r.rows.Close()
}

// Query runs a parameterized read and returns a lazy cursor.
func (g *Gateway) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	ctx, cancel := g.withTimeout(ctx)
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, classify(err)
	}
	return &Rows{rows: rows, cols: cols, cancel: cancel}, nil
}

// QueryAll runs a read and materializes every row.
func (g *Gateway) QueryAll(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		out = append(out, rows.Record())
	}
	return out, rows.Err()
}

// QueryOne returns the first row, or (nil, nil) when the result is empty.
func (g *Gateway) QueryOne(ctx context.Context, query string, args ...interface{}) (Record, error) {
	rows, err := g.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Record(), rows.Err()
	}
	return nil, rows.Err()
}
