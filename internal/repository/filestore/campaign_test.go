package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*CampaignStore, string) {
	t.Helper()
	root := t.TempDir()
	return NewCampaignStore(filepath.Join(root, "campaign_data"), filepath.Join(root, "sent_logs")), root
}

func scheduled(id string, at time.Time) *domain.ScheduledCampaign {
	return &domain.ScheduledCampaign{
		ID:          id,
		Subject:     "Hi",
		HTMLBody:    "<p>x</p>",
		Recipients:  domain.RecipientSource{Kind: domain.SourceCSV, CSV: &domain.CSVSource{Location: TargetName(id)}},
		SenderPool:  domain.SenderPool{Group: "all"},
		State:       domain.StateScheduled,
		ScheduledAt: &at,
		CreatedAt:   at.Add(-time.Hour),
	}
}

func TestCampaignStore_Lifecycle(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, scheduled("c1", now.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, scheduled("c2", now.Add(time.Hour))))
	assert.True(t, errors.Is(store.Create(ctx, scheduled("c1", now)), apperr.ErrIntegrityConflict))

	claimed, err := store.ClaimDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "c1", claimed[0].ID)
	assert.Equal(t, domain.StateSending, claimed[0].State)

	again, err := store.ClaimDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	inflight, err := store.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)

	require.NoError(t, store.SetTargetCount(ctx, "c1", 3))
	require.NoError(t, store.MarkCompleted(ctx, "c1", 3, now))
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, 3, got.TargetCount)
	require.NotNil(t, got.SentCountFinal)
	assert.Equal(t, 3, *got.SentCountFinal)

	assert.True(t, errors.Is(store.MarkFailed(ctx, "c1", "late", now), sender.ErrInvalidTransition))
	assert.True(t, errors.Is(store.Schedule(ctx, "c2", now), sender.ErrInvalidTransition))

	_, err = store.Get(ctx, "../etc/passwd")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	leftovers, _ := filepath.Glob(filepath.Join(root, "campaign_data", "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestCampaignStore_ConcurrentClaimIsExclusive(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(ctx, scheduled("c1", now)))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.ClaimDue(ctx, now)
			assert.NoError(t, err)
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestCampaignStore_SentLog(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	added, err := store.AppendSent(ctx, domain.SentLogEntry{CampaignID: "c1", Email: "Ana@X.org", Timestamp: at})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AppendSent(ctx, domain.SentLogEntry{CampaignID: "c1", Email: "ana@x.org", Timestamp: at})
	require.NoError(t, err)
	assert.False(t, added)
	added, err = store.AppendSent(ctx, domain.SentLogEntry{CampaignID: "c1", Email: "bo@x.org", Timestamp: at})
	require.NoError(t, err)
	assert.True(t, added)

	data, err := os.ReadFile(filepath.Join(root, "sent_logs", "sent_c1.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"Email,CampaignID,Timestamp\nana@x.org,c1,2025-04-01T12:00:00Z\nbo@x.org,c1,2025-04-01T12:00:00Z\n",
		string(data))

	// A fresh store (process restart) reads the log back from disk.
	restarted := NewCampaignStore(filepath.Join(root, "campaign_data"), filepath.Join(root, "sent_logs"))
	sent, err := restarted.SentEmails(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"ana@x.org": {}, "bo@x.org": {}}, sent)

	none, err := restarted.SentEmails(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCampaignStore_SentLogToleratesTornLine(t *testing.T) {
	store, root := newStore(t)
	dir := filepath.Join(root, "sent_logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	log := strings.Join([]string{
		"Email,CampaignID,Timestamp",
		"a@x.org,c1,2025-04-01T12:00:00Z",
		`"b@x.org,c1,2025-04`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sent_c1.csv"), []byte(log), 0o644))

	sent, err := store.SentEmails(context.Background(), "c1")
	require.NoError(t, err)
	assert.Contains(t, sent, "a@x.org")
	assert.NotContains(t, sent, "b@x.org")
}

func TestCampaignStore_SentLogDropsParseableTornLine(t *testing.T) {
	_, root := newStore(t)
	dir := filepath.Join(root, "sent_logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "sent_c1.csv")
	// The last write stopped mid-address; the fragment is valid CSV.
	log := "Email,CampaignID,Timestamp\na@x.org,c1,2025-04-01T12:00:00Z\nb@x.o"
	require.NoError(t, os.WriteFile(path, []byte(log), 0o644))

	ctx := context.Background()
	at := time.Date(2025, 4, 1, 12, 5, 0, 0, time.UTC)
	store := NewCampaignStore(filepath.Join(root, "campaign_data"), dir)
	sent, err := store.SentEmails(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a@x.org": {}}, sent)

	added, err := store.AppendSent(ctx, domain.SentLogEntry{CampaignID: "c1", Email: "b@x.org", Timestamp: at})
	require.NoError(t, err)
	assert.True(t, added)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"Email,CampaignID,Timestamp\na@x.org,c1,2025-04-01T12:00:00Z\nb@x.org,c1,2025-04-01T12:05:00Z\n",
		string(data))

	restarted := NewCampaignStore(filepath.Join(root, "campaign_data"), dir)
	sent, err = restarted.SentEmails(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a@x.org": {}, "b@x.org": {}}, sent)
}

func TestSharedViewStore(t *testing.T) {
	store := NewSharedViewStore(t.TempDir())
	ctx := context.Background()
	at := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	view := domain.SharedView{Token: "abc", Config: []byte(`{"tab":"sources"}`), CreatedBy: "ana", CreatedAt: at}

	require.NoError(t, store.Insert(ctx, view))
	assert.True(t, errors.Is(store.Insert(ctx, view), apperr.ErrIntegrityConflict))

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tab":"sources"}`, string(got.Config))
	assert.Equal(t, "ana", got.CreatedBy)

	_, err = store.Get(ctx, "nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = store.Get(ctx, "../x")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
