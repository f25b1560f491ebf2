package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, 2*time.Second), mock
}

func TestQuery_MapsRecordsByColumn(t *testing.T) {
	g, mock := setupTestGateway(t)
	ts := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT date, total, count FROM daily").
		WillReturnRows(sqlmock.NewRows([]string{"date", "total", "count", "at"}).
			AddRow("2025-01-15", []byte("100.50"), int64(2), ts))

	recs, err := g.QueryAll(context.Background(), "SELECT date, total, count FROM daily")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2025-01-15", recs[0].String("date"))
	assert.Equal(t, 100.50, recs[0].Float("total"))
	assert.Equal(t, 2, recs[0].Int("count"))
	assert.Equal(t, ts, recs[0].Time("at"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_Strings(t *testing.T) {
	rec := Record{"emails": `{alice@x.org,"bob@y.org"}`}
	assert.Equal(t, []string{"alice@x.org", "bob@y.org"}, rec.Strings("emails"))
	assert.Nil(t, Record{}.Strings("emails"))
}

func TestQuery_ClassifiesErrors(t *testing.T) {
	g, mock := setupTestGateway(t)
	mock.ExpectQuery("SELECT").WillReturnError(&pq.Error{Code: "42601", Message: "syntax error"})
	_, err := g.QueryAll(context.Background(), "SELECT broken")
	assert.ErrorIs(t, err, apperr.ErrQueryShape)

	mock.ExpectQuery("SELECT").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	_, err = g.QueryAll(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
}

func TestExecute_CommitsOnSuccess(t *testing.T) {
	g, mock := setupTestGateway(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_campaigns").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := g.Execute(context.Background(), "UPDATE scheduled_campaigns SET state = $1", "Draft")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RollsBackOnError(t *testing.T) {
	g, mock := setupTestGateway(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := g.Execute(context.Background(), "DELETE FROM x")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackAndRepanics(t *testing.T) {
	g, mock := setupTestGateway(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = g.WithTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
			panic("kaboom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_ChunksAndExcludesKeyFromUpdate(t *testing.T) {
	g, mock := setupTestGateway(t)

	rows := [][]interface{}{
		{"rec1", "Spring Appeal", "Facebook"},
		{"rec2", "Summer", "Funnel"},
		{"rec3", "Autumn", "Big Campaign"},
	}
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO campaigns \(stable_external_id, name, source\) VALUES .* ON CONFLICT \(stable_external_id\) DO UPDATE SET name = EXCLUDED.name, source = EXCLUDED.source$`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()
	}

	n, err := g.UpsertBatch(context.Background(), UpsertSpec{
		Table:     "campaigns",
		Columns:   []string{"stable_external_id", "name", "source"},
		Rows:      rows,
		ChunkSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_FailedChunkRollsBackAndStops(t *testing.T) {
	g, mock := setupTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO donors").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO donors").WillReturnError(&pq.Error{Code: "08003", Message: "gone"})
	mock.ExpectRollback()

	n, err := g.UpsertBatch(context.Background(), UpsertSpec{
		Table:     "donors",
		Columns:   []string{"stable_external_id", "display_name"},
		Rows:      [][]interface{}{{"a", "A"}, {"b", "B"}},
		ChunkSize: 1,
	})
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_RetriesConflictRowsAsUpdates(t *testing.T) {
	g, mock := setupTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO donor_emails").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE donor_emails SET email = \$1, bounced = \$2 WHERE stable_external_id = \$3`).
		WithArgs("a@x.org", false, "recE1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := g.UpsertBatch(context.Background(), UpsertSpec{
		Table:                  "donor_emails",
		Columns:                []string{"stable_external_id", "email", "bounced"},
		Rows:                   [][]interface{}{{"recE1", "a@x.org", false}},
		RetryConflictsAsUpdate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_RejectsMissingConflictColumn(t *testing.T) {
	g, _ := setupTestGateway(t)
	_, err := g.UpsertBatch(context.Background(), UpsertSpec{
		Table:   "campaigns",
		Columns: []string{"name"},
		Rows:    [][]interface{}{{"x"}},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDedupeByKey_LastWins(t *testing.T) {
	out := dedupeByKey([][]interface{}{{"a", 1}, {"b", 2}, {"a", 3}}, 0)
	assert.Equal(t, [][]interface{}{{"a", 3}, {"b", 2}}, out)
}

func TestResolveIDs_BoundedLookup(t *testing.T) {
	g, mock := setupTestGateway(t)
	mock.ExpectQuery(`SELECT stable_external_id, id FROM campaigns WHERE stable_external_id IN \(\$1, \$2\)`).
		WithArgs("recA", "recB").
		WillReturnRows(sqlmock.NewRows([]string{"stable_external_id", "id"}).AddRow("recA", int64(7)))

	ids, err := g.ResolveIDs(context.Background(), "campaigns", []string{"recA", "recB"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"recA": 7}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
