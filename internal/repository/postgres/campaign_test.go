package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "0b6c7a3e-1f0e-4d8f-9b36-8a0c2c1e0a01"
	idB = "0b6c7a3e-1f0e-4d8f-9b36-8a0c2c1e0a02"
)

var campaignCols = []string{
	"id", "name", "subject", "html_body", "recipients", "sender_pool", "state", "scheduled_at",
	"target_count", "sent_count_final", "failure_reason", "created_by",
	"created_at", "started_at", "completed_at",
}

func campaignRow(rows *sqlmock.Rows, id, state string, at time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "Spring appeal", "Hi {{ name }}", "<p>Thanks</p>",
		`{"kind":"csv","csv":{"location":"target_1.csv"}}`, `{"group":"Group A"}`,
		state, at, 10, nil, "", "admin@rescue.org", at.Add(-time.Hour), nil, nil,
	)
}

func TestCampaignStore_ClaimDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scheduled_campaigns")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(idA).AddRow(idB))
	// idA is won here, idB was taken by another worker in between.
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'Sending', started_at = $2")).
		WithArgs(idA, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_campaigns WHERE id = $1")).
		WithArgs(idA).
		WillReturnRows(campaignRow(sqlmock.NewRows(campaignCols), idA, "Sending", now))
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'Sending', started_at = $2")).
		WithArgs(idB, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	got, err := NewCampaignStore(db).ClaimDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, idA, got[0].ID)
	assert.Equal(t, domain.StateSending, got[0].State)
	assert.Equal(t, domain.SourceCSV, got[0].Recipients.Kind)
	assert.Equal(t, "target_1.csv", got[0].Recipients.CSV.Location)
	assert.Equal(t, "Group A", got[0].SenderPool.Group)
	assert.Nil(t, got[0].SentCountFinal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewCampaignStore(db)

	_, err = store.Get(context.Background(), "not-a-uuid")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	mock.ExpectQuery("FROM scheduled_campaigns WHERE id").
		WithArgs(idA).
		WillReturnRows(sqlmock.NewRows(campaignCols))
	_, err = store.Get(context.Background(), idA)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_ScheduleRejectsNonDraft(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = 'Draft'")).
		WithArgs(idA, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM scheduled_campaigns WHERE id").
		WithArgs(idA).
		WillReturnRows(campaignRow(sqlmock.NewRows(campaignCols), idA, "Completed", at))

	err = NewCampaignStore(db).Schedule(context.Background(), idA, at)
	assert.True(t, errors.Is(err, sender.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_MarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'Completed', sent_count_final = $2, completed_at = $3")).
		WithArgs(idA, 10, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewCampaignStore(db).MarkCompleted(context.Background(), idA, 10, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	c := &domain.ScheduledCampaign{
		Name:       "Spring appeal",
		Subject:    "Hi",
		HTMLBody:   "<p>x</p>",
		Recipients: domain.RecipientSource{Kind: domain.SourceCSV, CSV: &domain.CSVSource{Location: "t.csv"}},
		SenderPool: domain.SenderPool{Group: "Group A"},
		State:      domain.StateScheduled,
		CreatedBy:  "admin@rescue.org",
		CreatedAt:  at,
	}
	mock.ExpectExec("INSERT INTO scheduled_campaigns").
		WithArgs(sqlmock.AnyArg(), "Spring appeal", "Hi", "<p>x</p>",
			`{"kind":"csv","csv":{"location":"t.csv","email_column":""}}`, `{"group":"Group A"}`,
			"Scheduled", nil, 0, "admin@rescue.org", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewCampaignStore(db).Create(context.Background(), c))
	assert.NotEmpty(t, c.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_SentLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewCampaignStore(db)
	ctx := context.Background()
	at := time.Date(2025, 4, 2, 9, 31, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO sent_logs").
		WithArgs(idA, "Ana@X.org", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sent_logs").
		WithArgs(idA, "ana@x.org", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT lower(email) FROM sent_logs")).
		WithArgs(idA).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("ana@x.org"))

	added, err := store.AppendSent(ctx, domain.SentLogEntry{CampaignID: idA, Email: "Ana@X.org", Timestamp: at})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AppendSent(ctx, domain.SentLogEntry{CampaignID: idA, Email: "ana@x.org", Timestamp: at})
	require.NoError(t, err)
	assert.False(t, added)

	sent, err := store.SentEmails(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"ana@x.org": {}}, sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSharedViewStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSharedViewStore(db)
	ctx := context.Background()
	at := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	view := domain.SharedView{Token: "tok", Config: []byte(`{"tab":"sources"}`), CreatedBy: "ana", CreatedAt: at}

	mock.ExpectExec("INSERT INTO shared_views").
		WithArgs("tok", `{"tab":"sources"}`, "ana", at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO shared_views").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM shared_views WHERE token").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"token", "config", "created_by", "created_at", "expires_at"}).
			AddRow("tok", `{"tab":"sources"}`, "ana", at, nil))
	mock.ExpectQuery("FROM shared_views WHERE token").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"token", "config", "created_by", "created_at", "expires_at"}))

	require.NoError(t, store.Insert(ctx, view))
	assert.True(t, errors.Is(store.Insert(ctx, view), apperr.ErrIntegrityConflict))

	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tab":"sources"}`, string(got.Config))
	assert.Nil(t, got.ExpiresAt)

	_, err = store.Get(ctx, "gone")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_RowsAffectedErrorsSurface(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewCampaignStore(db)
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	countErr := errors.New("driver lost the row count")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scheduled_campaigns")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(idA))
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'Sending', started_at = $2")).
		WithArgs(idA, now).
		WillReturnResult(sqlmock.NewErrorResult(countErr))
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'Completed'")).
		WillReturnResult(sqlmock.NewErrorResult(countErr))
	mock.ExpectExec("INSERT INTO sent_logs").
		WillReturnResult(sqlmock.NewErrorResult(countErr))

	claimed, err := store.ClaimDue(ctx, now)
	assert.ErrorIs(t, err, countErr)
	assert.Empty(t, claimed)

	assert.ErrorIs(t, store.MarkCompleted(ctx, idA, 3, now), countErr)

	added, err := store.AppendSent(ctx, domain.SentLogEntry{CampaignID: idA, Email: "ana@x.org", Timestamp: now})
	assert.ErrorIs(t, err, countErr)
	assert.False(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStore_QueryTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewCampaignStore(db)
	store.timeout = 20 * time.Millisecond

	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_campaigns ORDER BY created_at DESC")).
		WillDelayFor(2 * time.Second).
		WillReturnRows(sqlmock.NewRows(campaignCols))

	start := time.Now()
	_, err = store.List(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, QueryTimeout, NewSharedViewStore(db).timeout)
}
