package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend returns canned results; err, when set, fails every call.
type stubBackend struct {
	name   string
	err    error
	daily  []domain.DailySummary
	totals map[string]float64

	mu     sync.Mutex
	calls  int
	ranges []DateRange
}

func (s *stubBackend) hit(r DateRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ranges = append(s.ranges, r)
	return s.err
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) DailySummaries(_ context.Context, r DateRange) ([]domain.DailySummary, error) {
	return s.daily, s.hit(r)
}
func (s *stubBackend) TopDonors(context.Context, int) ([]domain.TopDonor, error) {
	return nil, s.hit(DateRange{})
}
func (s *stubBackend) SourceTotals(_ context.Context, r DateRange) (map[string]float64, error) {
	return s.totals, s.hit(r)
}
func (s *stubBackend) Totals(_ context.Context, r DateRange) (float64, int, error) {
	if err := s.hit(r); err != nil {
		return 0, 0, err
	}
	switch {
	case r.Start == "" && r.End == "":
		return 1000, 40, nil
	case r.Start == r.End:
		return 10, 1, nil
	default:
		return 100, 4, nil
	}
}
func (s *stubBackend) Sources(context.Context) ([]string, error) {
	return []string{s.name}, s.hit(DateRange{})
}
func (s *stubBackend) CampaignsBySource(context.Context, string) ([]domain.CampaignRef, error) {
	return nil, s.hit(DateRange{})
}
func (s *stubBackend) FormTitles(context.Context, string) ([]domain.FormTitleRef, error) {
	return nil, s.hit(DateRange{})
}
func (s *stubBackend) SourceStats(context.Context, string, DateRange) ([]domain.GroupStat, error) {
	return []domain.GroupStat{
		{ID: "b", TotalAmount: 10, DonationCount: 1, FirstDonation: "2025-01-02T00:00:00Z"},
		{ID: "a", TotalAmount: 5.55, DonationCount: 2, FirstDonation: "2025-01-01T00:00:00Z"},
	}, s.hit(DateRange{})
}
func (s *stubBackend) CampaignStats(context.Context, string, DateRange, []string) ([]domain.GroupStat, error) {
	return nil, s.hit(DateRange{})
}
func (s *stubBackend) CampaignDonations(context.Context, string, Page) (domain.DonationPage, error) {
	return domain.DonationPage{}, s.hit(DateRange{})
}
func (s *stubBackend) SourceDonations(context.Context, string, Page) (domain.DonationPage, error) {
	return domain.DonationPage{}, s.hit(DateRange{})
}
func (s *stubBackend) FormTitleDonations(context.Context, []string, Page) (domain.DonationPage, error) {
	return domain.DonationPage{Total: 1}, s.hit(DateRange{})
}
func (s *stubBackend) DonorByEmail(context.Context, string) (*domain.DonorDetail, error) {
	if err := s.hit(DateRange{}); err != nil {
		return nil, err
	}
	return &domain.DonorDetail{Donor: domain.Donor{DisplayName: s.name}}, nil
}

func TestService_PrimarySuccessSkipsFallback(t *testing.T) {
	primary := &stubBackend{name: "warehouse"}
	fallback := &stubBackend{name: "airtable"}
	s := NewService(primary, fallback, time.UTC)

	got, err := s.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"warehouse"}, got)
	assert.Equal(t, 0, fallback.calls)
}

func TestService_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := &stubBackend{name: "warehouse", err: apperr.Transient(errors.New("connection reset"))}
	fallback := &stubBackend{name: "airtable"}
	s := NewService(primary, fallback, time.UTC)

	got, err := s.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"airtable"}, got)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestService_BothFailIsSORUnavailable(t *testing.T) {
	primary := &stubBackend{name: "warehouse", err: apperr.Transient(errors.New("down"))}
	fallback := &stubBackend{name: "airtable", err: apperr.Transient(errors.New("503"))}
	s := NewService(primary, fallback, time.UTC)

	_, err := s.TopDonors(context.Background(), 10)
	assert.ErrorIs(t, err, apperr.ErrSORUnavailable)
}

func TestService_ValidationIsNotRetried(t *testing.T) {
	primary := &stubBackend{name: "warehouse"}
	fallback := &stubBackend{name: "airtable"}
	s := NewService(primary, fallback, time.UTC)

	_, err := s.FormTitleDonations(context.Background(), []string{"recF1"}, Page{Size: 101})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.FormTitleDonations(context.Background(), []string{" "}, Page{Size: 10})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.TopDonors(context.Background(), 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.DailySummaries(context.Background(), DateRange{Start: "2025-01-01"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, primary.calls+fallback.calls)

	primary.err = apperr.Validation("bad column")
	_, err = s.Sources(context.Background())
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, fallback.calls)
}

func TestService_NotFoundConsultsFallback(t *testing.T) {
	primary := &stubBackend{name: "warehouse", err: apperr.NotFound("donor")}
	fallback := &stubBackend{name: "airtable"}
	s := NewService(primary, fallback, time.UTC)

	d, err := s.DonorByEmail(context.Background(), "New@Donor.org")
	require.NoError(t, err)
	assert.Equal(t, "airtable", d.Donor.DisplayName)

	fallback.err = apperr.Transient(errors.New("503"))
	_, err = s.DonorByEmail(context.Background(), "new@donor.org")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_NoWarehouseUsesFallbackOnly(t *testing.T) {
	fallback := &stubBackend{name: "airtable"}
	s := NewService(nil, fallback, time.UTC)
	got, err := s.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"airtable"}, got)

	s = NewService(nil, nil, time.UTC)
	_, err = s.Sources(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSORUnavailable)
}

func TestService_SourceBreakdownNormalizesEitherPath(t *testing.T) {
	raw := map[string]float64{"Funnel": 50, "Facebook": 25, "TikTok": 25}
	primary := &stubBackend{name: "warehouse", err: errors.New("boom")}
	fallback := &stubBackend{name: "airtable", totals: raw}
	s := NewService(primary, fallback, time.UTC)

	b, err := s.SourceBreakdown(context.Background(), DateRange{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceBreakdown{
		TotalAmount: 100,
		Breakdown: []domain.BreakdownItem{
			{Name: "Facebook", Value: 25, Percentage: 25},
			{Name: "New Comers", Value: 50, Percentage: 50},
			{Name: "Others", Value: 25, Percentage: 25},
		},
	}, b)
}

func TestService_SourceStatsOrderedByFirstDonation(t *testing.T) {
	s := NewService(&stubBackend{name: "warehouse"}, nil, time.UTC)
	st, err := s.SourceStats(context.Background(), "Facebook", DateRange{})
	require.NoError(t, err)
	require.Len(t, st.Groups, 2)
	assert.Equal(t, "a", st.Groups[0].ID)
	assert.Equal(t, 15.55, st.TotalAmount)
	assert.Equal(t, 3, st.DonationCount)
}

func TestService_GlanceMetricsUsesDisplayTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Costa_Rica")
	require.NoError(t, err)
	primary := &stubBackend{name: "warehouse"}
	s := NewService(primary, nil, loc)
	// 03:00 UTC on Feb 1st is still Jan 31st in Costa Rica.
	s.now = func() time.Time { return time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC) }

	g, err := s.GlanceMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.GlanceMetrics{
		TodayAmount: 10, TodayCount: 1,
		MonthAmount: 100, MonthCount: 4,
		AllTimeTotal: 1000,
	}, g)
	assert.ElementsMatch(t, []DateRange{
		{Start: "2025-01-31", End: "2025-01-31"},
		{Start: "2025-01-01", End: "2025-01-31"},
		{},
	}, primary.ranges)
}
