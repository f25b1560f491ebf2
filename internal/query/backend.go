// Package query serves dashboard reads from the warehouse with automatic,
// per-operation fallback to the system of record.
package query

import (
	"context"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
)

// Backend is the read capability set shared by the warehouse and the system
// of record. Both implementations return records in the same shape: public
// ids are stable external ids, amounts are rounded to cents, timestamps are
// RFC 3339 UTC and dates are display-timezone YYYY-MM-DD.
//
// Inputs are validated by Service before they reach a Backend.
type Backend interface {
	Name() string

	DailySummaries(ctx context.Context, r DateRange) ([]domain.DailySummary, error)
	TopDonors(ctx context.Context, limit int) ([]domain.TopDonor, error)
	// SourceTotals returns donation totals keyed by raw campaign source.
	// Donations without a source are keyed by "".
	SourceTotals(ctx context.Context, r DateRange) (map[string]float64, error)
	Totals(ctx context.Context, r DateRange) (amount float64, count int, err error)

	Sources(ctx context.Context) ([]string, error)
	CampaignsBySource(ctx context.Context, source string) ([]domain.CampaignRef, error)
	FormTitles(ctx context.Context, campaignID string) ([]domain.FormTitleRef, error)

	// SourceStats groups a source's donations by campaign.
	SourceStats(ctx context.Context, source string, r DateRange) ([]domain.GroupStat, error)
	// CampaignStats groups a campaign's donations by form title, optionally
	// restricted to formTitleIDs.
	CampaignStats(ctx context.Context, campaignID string, r DateRange, formTitleIDs []string) ([]domain.GroupStat, error)

	CampaignDonations(ctx context.Context, campaignID string, p Page) (domain.DonationPage, error)
	SourceDonations(ctx context.Context, source string, p Page) (domain.DonationPage, error)
	FormTitleDonations(ctx context.Context, formTitleIDs []string, p Page) (domain.DonationPage, error)

	DonorByEmail(ctx context.Context, email string) (*domain.DonorDetail, error)
}
