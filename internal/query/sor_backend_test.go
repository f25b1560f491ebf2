package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	tables  map[string][]airtable.Record
	filters map[string]string
	err     error
}

func (f *fakeReader) FetchAll(_ context.Context, table string, opts airtable.FetchOptions) ([]airtable.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.filters == nil {
		f.filters = make(map[string]string)
	}
	f.filters[table] = opts.Filter
	return f.tables[table], nil
}

func rec(id string, fields map[string]interface{}) airtable.Record {
	return airtable.Record{ID: id, CreatedTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Fields: fields}
}

func links(ids ...string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func donation(id string, amount float64, at string, donor, formTitle string) airtable.Record {
	f := map[string]interface{}{"Amount": amount, "Date": at}
	if donor != "" {
		f["Donor"] = links(donor)
	}
	if formTitle != "" {
		f["Form Title"] = links(formTitle)
	}
	return rec(id, f)
}

func seededReader() *fakeReader {
	return &fakeReader{tables: map[string][]airtable.Record{
		airtable.TableCampaigns: {
			rec("recC1", map[string]interface{}{"Name": "Winter", "Source": "Funnel"}),
			rec("recC2", map[string]interface{}{"Name": "Ads", "Source": "Facebook"}),
		},
		airtable.TableFormTitles: {
			rec("recF1", map[string]interface{}{"Name": "Winter Form", "Campaign": links("recC1")}),
			rec("recF2", map[string]interface{}{"Name": "Ads Form", "Campaign": links("recC2")}),
		},
		airtable.TableDonors: {
			rec("recA", map[string]interface{}{"Name": "A", "Email (from Emails)": links("alice@x")}),
			rec("recB", map[string]interface{}{"Name": "B", "Email (from Emails)": links("Bob@x", "bob@y"), "Region": "CR"}),
			rec("recC", map[string]interface{}{"Name": "C"}),
		},
		airtable.TableDonations: {
			// Seed: (100,2) (0,0) (50,1) (0,0) (200,3) (25,1) over Jan 15-20.
			donation("n1", 60, "2025-01-15T15:00:00.000Z", "recA", "recF1"),
			donation("n2", 40, "2025-01-15T20:00:00.000Z", "recA", "recF1"),
			donation("n3", 50, "2025-01-17T16:00:00.000Z", "recB", "recF2"),
			donation("n4", 100, "2025-01-19T16:00:00.000Z", "recA", "recF1"),
			donation("n5", 50, "2025-01-19T17:00:00.000Z", "recB", ""),
			// 02:00 UTC on the 20th is still the 19th in Costa Rica.
			donation("n6", 50, "2025-01-20T02:00:00.000Z", "recA", "recF2"),
			donation("n7", 25, "2025-01-20T18:00:00.000Z", "recB", "recF2"),
			donation("n8", 10000, "2025-01-16T18:00:00.000Z", "recC", ""),
			// Orphan: no donor, form title link dangles.
			donation("n9", 999, "2025-01-18T18:00:00.000Z", "", "recGone"),
			donation("n10", 100, "2025-01-21T18:00:00.000Z", "recB", "recF1"),
		},
	}}
}

func newSORBackend(t *testing.T, r SORReader) *SORBackend {
	t.Helper()
	loc, err := time.LoadLocation(testTZ)
	require.NoError(t, err)
	return NewSORBackend(r, loc)
}

func TestSORDailySummaries_MatchesSeedScenario(t *testing.T) {
	reader := seededReader()
	// Move n8 off the range so the day totals match the seed exactly.
	reader.tables[airtable.TableDonations][7] = donation("n8", 10000, "2025-01-10T18:00:00.000Z", "recC", "")
	s := newSORBackend(t, reader)

	got, err := s.DailySummaries(context.Background(), DateRange{Start: "2025-01-15", End: "2025-01-20"})
	require.NoError(t, err)
	assert.Equal(t, []domain.DailySummary{
		{Date: "2025-01-15", Total: 100, Count: 2},
		{Date: "2025-01-17", Total: 50, Count: 1},
		{Date: "2025-01-19", Total: 200, Count: 3},
		{Date: "2025-01-20", Total: 25, Count: 1},
	}, got)
	assert.Contains(t, reader.filters[airtable.TableDonations], "SET_TIMEZONE({Date}, 'America/Costa_Rica')")
	assert.Contains(t, reader.filters[airtable.TableDonations], ">= '2025-01-14'")
	assert.Contains(t, reader.filters[airtable.TableDonations], "<= '2025-01-21'")
}

func TestSORDailySummaries_UndatedAndEdgeDonations(t *testing.T) {
	reader := seededReader()
	undated := rec("u1", map[string]interface{}{"Amount": 30.0, "Donor": links("recA"), "Form Title": links("recF1")})
	undated.CreatedTime = time.Date(2025, 1, 16, 15, 0, 0, 0, time.UTC)
	undatedOut := rec("u2", map[string]interface{}{"Amount": 70.0, "Donor": links("recB")})
	undatedOut.CreatedTime = time.Date(2025, 1, 22, 15, 0, 0, 0, time.UTC)
	reader.tables[airtable.TableDonations] = []airtable.Record{
		undated,
		undatedOut,
		// 05:30 UTC on the 15th is 23:30 on the 14th in Costa Rica.
		donation("e1", 11, "2025-01-15T05:30:00.000Z", "recA", "recF1"),
		// 05:30 UTC on the 21st is the last minutes of the 20th.
		donation("e2", 22, "2025-01-21T05:30:00.000Z", "recB", "recF2"),
		donation("e3", 33, "2025-01-21T06:30:00.000Z", "recB", "recF2"),
	}
	s := newSORBackend(t, reader)

	got, err := s.DailySummaries(context.Background(), DateRange{Start: "2025-01-15", End: "2025-01-20"})
	require.NoError(t, err)
	// Same days the warehouse reports, where occurred_at falls back to the
	// record creation time.
	assert.Equal(t, []domain.DailySummary{
		{Date: "2025-01-16", Total: 30, Count: 1},
		{Date: "2025-01-20", Total: 22, Count: 1},
	}, got)

	filter := reader.filters[airtable.TableDonations]
	assert.True(t, strings.HasPrefix(filter, "OR({Date} = BLANK(), AND("), filter)
}

func TestSORRangeFormula(t *testing.T) {
	s := newSORBackend(t, &fakeReader{})
	assert.Equal(t, "", s.rangeFormula(DateRange{}))
	assert.Equal(t,
		"OR({Date} = BLANK(), DATETIME_FORMAT(SET_TIMEZONE({Date}, 'America/Costa_Rica'), 'YYYY-MM-DD') <= '2025-03-01')",
		s.rangeFormula(DateRange{End: "2025-02-28"}))
}

func TestSORTopDonors_ExcludesDonorsWithoutEmail(t *testing.T) {
	reader := seededReader()
	// Make A and B tie on total; A has more donations.
	reader.tables[airtable.TableDonations] = []airtable.Record{
		donation("a1", 100, "2025-01-01", "recA", "recF1"),
		donation("a2", 100, "2025-01-02", "recA", "recF1"),
		donation("a3", 100, "2025-01-03", "recA", "recF1"),
		donation("a4", 100, "2025-01-04", "recA", "recF1"),
		donation("a5", 100, "2025-01-05", "recA", "recF1"),
		donation("b1", 200, "2025-01-01", "recB", "recF2"),
		donation("b2", 200, "2025-01-02", "recB", "recF2"),
		donation("b3", 100, "2025-01-03", "recB", "recF2"),
		donation("c1", 10000, "2025-01-01", "recC", "recF2"),
	}
	s := newSORBackend(t, reader)

	got, err := s.TopDonors(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.TopDonor{
		{Email: "alice@x", Name: "A", TotalAmount: 500, DonationsCount: 5},
		{Email: "bob@x", Name: "B", TotalAmount: 500, DonationsCount: 3},
	}, got)
}

func TestSORSourceTotals_SkipsOrphans(t *testing.T) {
	s := newSORBackend(t, seededReader())
	got, err := s.SourceTotals(context.Background(), DateRange{})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"Funnel":   300,
		"Facebook": 125,
		"":         10050,
	}, got)

	amount, count, err := s.Totals(context.Background(), DateRange{Start: "2025-01-20", End: "2025-01-20"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, amount)
	assert.Equal(t, 1, count)
}

func TestSORCampaignStats(t *testing.T) {
	s := newSORBackend(t, seededReader())
	groups, err := s.CampaignStats(context.Background(), "recC2", DateRange{}, nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupStat{
		ID: "recF2", Name: "Ads Form", TotalAmount: 125, DonationCount: 3,
		FirstDonation: "2025-01-17T16:00:00Z",
	}, groups[0])

	groups, err = s.SourceStats(context.Background(), "Funnel", DateRange{End: "2025-01-19"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 200.0, groups[0].TotalAmount)
	assert.Equal(t, "recC1", groups[0].ID)
}

func TestSORDonationPages(t *testing.T) {
	s := newSORBackend(t, seededReader())

	page, err := s.FormTitleDonations(context.Background(), []string{"recF1"}, Page{Size: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Donations, 2)
	assert.Equal(t, "n4", page.Donations[0].ID)
	assert.Equal(t, "2025-01-19T16:00:00Z", page.Donations[0].DonationDate)
	assert.Equal(t, "alice@x", page.Donations[0].DonorEmail)
	assert.Equal(t, "Winter Form", page.Donations[0].FormTitle)

	page, err = s.SourceDonations(context.Background(), "Facebook", Page{Size: 10, Offset: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.NotNil(t, page.Donations)
	assert.Empty(t, page.Donations)

	page, err = s.CampaignDonations(context.Background(), "recC2", Page{Size: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"n7", "n6", "n3"}, ids(page.Donations))
}

func ids(rows []domain.DonationRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestSORDonorByEmail(t *testing.T) {
	s := newSORBackend(t, seededReader())

	d, err := s.DonorByEmail(context.Background(), "bob@y")
	require.NoError(t, err)
	assert.Equal(t, "recB", d.Donor.StableExternalID)
	assert.Equal(t, []string{"bob@x", "bob@y"}, d.Donor.Emails)
	assert.Equal(t, "CR", d.Donor.Region)
	assert.Equal(t, []string{"n10", "n7", "n5", "n3"}, ids(d.Donations))

	_, err = s.DonorByEmail(context.Background(), "nobody@x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSORBackend_PropagatesReadErrors(t *testing.T) {
	s := newSORBackend(t, &fakeReader{err: apperr.Transient(errors.New("429"))})
	_, err := s.DailySummaries(context.Background(), DateRange{Start: "2025-01-01", End: "2025-01-02"})
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
}
