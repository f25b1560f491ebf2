package query

import (
	"context"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
	"github.com/huandu/go-sqlbuilder"
)

// Querier is the read surface of the warehouse gateway.
type Querier interface {
	QueryAll(ctx context.Context, query string, args ...interface{}) ([]warehouse.Record, error)
}

// notOrphan keeps donations that reference a donor or a form title.
const notOrphan = "(d.donor_id IS NOT NULL OR d.form_title_id IS NOT NULL)"

// WarehouseBackend answers reads with SQL against the warehouse.
type WarehouseBackend struct {
	db Querier
	tz string
}

// NewWarehouseBackend creates the warehouse backend. tz is the IANA name of
// the display timezone; every date predicate casts through it.
func NewWarehouseBackend(db Querier, tz string) *WarehouseBackend {
	return &WarehouseBackend{db: db, tz: tz}
}

// Name implements Backend.
func (w *WarehouseBackend) Name() string { return "warehouse" }

func newSelect() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

// localDay renders (d.occurred_at AT TIME ZONE tz)::date.
func (w *WarehouseBackend) localDay(sb *sqlbuilder.SelectBuilder) string {
	return fmt.Sprintf("(d.occurred_at AT TIME ZONE %s)::date", sb.Var(w.tz))
}

func (w *WarehouseBackend) whereRange(sb *sqlbuilder.SelectBuilder, r DateRange) {
	if r.Start != "" {
		sb.Where(fmt.Sprintf("%s >= %s::date", w.localDay(sb), sb.Var(r.Start)))
	}
	if r.End != "" {
		sb.Where(fmt.Sprintf("%s <= %s::date", w.localDay(sb), sb.Var(r.End)))
	}
}

func (w *WarehouseBackend) run(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]warehouse.Record, error) {
	q, args := sb.Build()
	return w.db.QueryAll(ctx, q, args...)
}

// DailySummaries implements Backend.
func (w *WarehouseBackend) DailySummaries(ctx context.Context, r DateRange) ([]domain.DailySummary, error) {
	sb := newSelect()
	day := w.localDay(sb)
	sb.Select(day+" AS day", "SUM(d.amount) AS total", "COUNT(*) AS count")
	sb.From("donations d")
	sb.Where(notOrphan)
	w.whereRange(sb, r)
	sb.GroupBy("day")
	sb.Having("COUNT(*) > 0")
	sb.OrderBy("day")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("daily summaries: %w", err)
	}
	out := make([]domain.DailySummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.DailySummary{
			Date:  dateString(rec, "day"),
			Total: round2(rec.Float("total")),
			Count: rec.Int("count"),
		})
	}
	return out, nil
}

// TopDonors implements Backend.
func (w *WarehouseBackend) TopDonors(ctx context.Context, limit int) ([]domain.TopDonor, error) {
	sb := newSelect()
	sb.Select(
		"dn.emails[1] AS email",
		"dn.display_name AS name",
		"SUM(d.amount) AS total_amount",
		"COUNT(d.id) AS donations_count",
	)
	sb.From("donations d")
	sb.Join("donors dn", "dn.id = d.donor_id")
	sb.Where("cardinality(dn.emails) > 0")
	sb.GroupBy("dn.id", "dn.emails[1]", "dn.display_name")
	sb.OrderBy("total_amount DESC", "donations_count DESC", "email ASC")
	sb.Limit(limit)

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("top donors: %w", err)
	}
	out := make([]domain.TopDonor, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.TopDonor{
			Email:          rec.String("email"),
			Name:           rec.String("name"),
			TotalAmount:    round2(rec.Float("total_amount")),
			DonationsCount: rec.Int("donations_count"),
		})
	}
	return out, nil
}

// SourceTotals implements Backend.
func (w *WarehouseBackend) SourceTotals(ctx context.Context, r DateRange) (map[string]float64, error) {
	sb := newSelect()
	sb.Select("COALESCE(c.source, '') AS source", "SUM(d.amount) AS total")
	sb.From("donations d")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "form_titles ft", "ft.id = d.form_title_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "campaigns c", "c.id = ft.campaign_id")
	sb.Where(notOrphan)
	w.whereRange(sb, r)
	sb.GroupBy("COALESCE(c.source, '')")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("source totals: %w", err)
	}
	out := make(map[string]float64, len(recs))
	for _, rec := range recs {
		out[rec.String("source")] += rec.Float("total")
	}
	return out, nil
}

// Totals implements Backend.
func (w *WarehouseBackend) Totals(ctx context.Context, r DateRange) (float64, int, error) {
	sb := newSelect()
	sb.Select("COALESCE(SUM(d.amount), 0) AS total", "COUNT(*) AS count")
	sb.From("donations d")
	sb.Where(notOrphan)
	w.whereRange(sb, r)

	recs, err := w.run(ctx, sb)
	if err != nil {
		return 0, 0, fmt.Errorf("totals: %w", err)
	}
	if len(recs) == 0 {
		return 0, 0, nil
	}
	return round2(recs[0].Float("total")), recs[0].Int("count"), nil
}

// Sources implements Backend.
func (w *WarehouseBackend) Sources(ctx context.Context) ([]string, error) {
	sb := newSelect()
	sb.Select("DISTINCT c.source AS source")
	sb.From("campaigns c")
	sb.Where("c.source IS NOT NULL", "c.source <> ''")
	sb.OrderBy("source")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("sources: %w", err)
	}
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.String("source"))
	}
	return out, nil
}

// CampaignsBySource implements Backend.
func (w *WarehouseBackend) CampaignsBySource(ctx context.Context, source string) ([]domain.CampaignRef, error) {
	sb := newSelect()
	sb.Select("c.stable_external_id AS id", "c.name", "COALESCE(c.source, '') AS source")
	sb.From("campaigns c")
	sb.Where(sb.Equal("c.source", source))
	sb.OrderBy("c.name", "c.stable_external_id")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("campaigns by source: %w", err)
	}
	out := make([]domain.CampaignRef, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.CampaignRef{ID: rec.String("id"), Name: rec.String("name"), Source: rec.String("source")})
	}
	return out, nil
}

// FormTitles implements Backend.
func (w *WarehouseBackend) FormTitles(ctx context.Context, campaignID string) ([]domain.FormTitleRef, error) {
	sb := newSelect()
	sb.Select("ft.stable_external_id AS id", "ft.name", "c.stable_external_id AS campaign_id")
	sb.From("form_titles ft")
	sb.Join("campaigns c", "c.id = ft.campaign_id")
	sb.Where(sb.Equal("c.stable_external_id", campaignID))
	sb.OrderBy("ft.name", "ft.stable_external_id")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("form titles: %w", err)
	}
	out := make([]domain.FormTitleRef, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.FormTitleRef{ID: rec.String("id"), Name: rec.String("name"), CampaignID: rec.String("campaign_id")})
	}
	return out, nil
}

// SourceStats implements Backend.
func (w *WarehouseBackend) SourceStats(ctx context.Context, source string, r DateRange) ([]domain.GroupStat, error) {
	sb := newSelect()
	sb.Select(
		"c.stable_external_id AS id",
		"c.name AS name",
		"SUM(d.amount) AS total_amount",
		"COUNT(d.id) AS donation_count",
		"MIN(d.occurred_at) AS first_donation",
	)
	sb.From("donations d")
	sb.Join("form_titles ft", "ft.id = d.form_title_id")
	sb.Join("campaigns c", "c.id = ft.campaign_id")
	sb.Where(sb.Equal("c.source", source))
	w.whereRange(sb, r)
	sb.GroupBy("c.id", "c.stable_external_id", "c.name")
	sb.Having("COUNT(d.id) > 0")
	sb.OrderBy("first_donation", "id")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("source stats: %w", err)
	}
	return groupStats(recs), nil
}

// CampaignStats implements Backend.
func (w *WarehouseBackend) CampaignStats(ctx context.Context, campaignID string, r DateRange, formTitleIDs []string) ([]domain.GroupStat, error) {
	sb := newSelect()
	sb.Select(
		"ft.stable_external_id AS id",
		"ft.name AS name",
		"SUM(d.amount) AS total_amount",
		"COUNT(d.id) AS donation_count",
		"MIN(d.occurred_at) AS first_donation",
	)
	sb.From("donations d")
	sb.Join("form_titles ft", "ft.id = d.form_title_id")
	sb.Join("campaigns c", "c.id = ft.campaign_id")
	sb.Where(sb.Equal("c.stable_external_id", campaignID))
	if len(formTitleIDs) > 0 {
		sb.Where(sb.In("ft.stable_external_id", sqlbuilder.Flatten(formTitleIDs)...))
	}
	w.whereRange(sb, r)
	sb.GroupBy("ft.id", "ft.stable_external_id", "ft.name")
	sb.Having("COUNT(d.id) > 0")
	sb.OrderBy("first_donation", "id")

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	return groupStats(recs), nil
}

func groupStats(recs []warehouse.Record) []domain.GroupStat {
	out := make([]domain.GroupStat, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.GroupStat{
			ID:            rec.String("id"),
			Name:          rec.String("name"),
			TotalAmount:   round2(rec.Float("total_amount")),
			DonationCount: rec.Int("donation_count"),
			FirstDonation: isoUTC(rec.Time("first_donation")),
		})
	}
	return out
}

// CampaignDonations implements Backend.
func (w *WarehouseBackend) CampaignDonations(ctx context.Context, campaignID string, p Page) (domain.DonationPage, error) {
	return w.donationPage(ctx, p, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("c.stable_external_id", campaignID))
	})
}

// SourceDonations implements Backend.
func (w *WarehouseBackend) SourceDonations(ctx context.Context, source string, p Page) (domain.DonationPage, error) {
	return w.donationPage(ctx, p, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("c.source", source))
	})
}

// FormTitleDonations implements Backend.
func (w *WarehouseBackend) FormTitleDonations(ctx context.Context, formTitleIDs []string, p Page) (domain.DonationPage, error) {
	return w.donationPage(ctx, p, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.In("ft.stable_external_id", sqlbuilder.Flatten(formTitleIDs)...))
	})
}

func donationJoins(sb *sqlbuilder.SelectBuilder) {
	sb.From("donations d")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "donors dn", "dn.id = d.donor_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "form_titles ft", "ft.id = d.form_title_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "campaigns c", "c.id = ft.campaign_id")
	sb.Where(notOrphan)
}

func (w *WarehouseBackend) donationPage(ctx context.Context, p Page, filter func(sb *sqlbuilder.SelectBuilder)) (domain.DonationPage, error) {
	count := newSelect()
	count.Select("COUNT(*) AS total")
	donationJoins(count)
	filter(count)
	countRecs, err := w.run(ctx, count)
	if err != nil {
		return domain.DonationPage{}, fmt.Errorf("count donations: %w", err)
	}
	total := 0
	if len(countRecs) > 0 {
		total = countRecs[0].Int("total")
	}

	sb := newSelect()
	sb.Select(donationColumns...)
	donationJoins(sb)
	filter(sb)
	sb.OrderBy("d.occurred_at DESC", "d.stable_external_id ASC")
	sb.Limit(p.Size)
	sb.Offset(p.Offset)
	recs, err := w.run(ctx, sb)
	if err != nil {
		return domain.DonationPage{}, fmt.Errorf("list donations: %w", err)
	}
	return domain.DonationPage{
		Donations: donationRows(recs),
		Total:     total,
		PageSize:  p.Size,
		Offset:    p.Offset,
	}, nil
}

var donationColumns = []string{
	"d.stable_external_id AS id",
	"d.amount AS amount",
	"d.occurred_at AS occurred_at",
	"COALESCE(dn.display_name, '') AS donor_name",
	"COALESCE(dn.emails[1], '') AS donor_email",
	"COALESCE(ft.name, '') AS form_title",
}

func donationRows(recs []warehouse.Record) []domain.DonationRow {
	out := make([]domain.DonationRow, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.DonationRow{
			ID:           rec.String("id"),
			Amount:       round2(rec.Float("amount")),
			DonationDate: isoUTC(rec.Time("occurred_at")),
			DonorName:    rec.String("donor_name"),
			DonorEmail:   rec.String("donor_email"),
			FormTitle:    rec.String("form_title"),
		})
	}
	return out
}

// DonorByEmail implements Backend.
func (w *WarehouseBackend) DonorByEmail(ctx context.Context, email string) (*domain.DonorDetail, error) {
	sb := newSelect()
	sb.Select("dn.id", "dn.stable_external_id", "dn.display_name", "dn.emails", "dn.region",
		"dn.stage", "dn.status", "dn.funnel_stage", "dn.bounced", "dn.tags")
	sb.From("donors dn")
	sb.Where(fmt.Sprintf("%s = ANY(dn.emails)", sb.Var(email)))
	sb.OrderBy("dn.stable_external_id")
	sb.Limit(1)

	recs, err := w.run(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("donor by email: %w", err)
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("donor " + email)
	}
	rec := recs[0]
	detail := &domain.DonorDetail{Donor: domain.Donor{
		ID:               int64(rec.Int("id")),
		StableExternalID: rec.String("stable_external_id"),
		DisplayName:      rec.String("display_name"),
		Emails:           rec.Strings("emails"),
		Region:           rec.String("region"),
		Stage:            rec.String("stage"),
		Status:           rec.String("status"),
		FunnelStage:      rec.String("funnel_stage"),
		Bounced:          rec.Bool("bounced"),
		Tags:             rec.Strings("tags"),
	}}

	ds := newSelect()
	ds.Select(donationColumns...)
	ds.From("donations d")
	ds.Join("donors dn", "dn.id = d.donor_id")
	ds.JoinWithOption(sqlbuilder.LeftJoin, "form_titles ft", "ft.id = d.form_title_id")
	ds.Where(ds.Equal("dn.stable_external_id", detail.Donor.StableExternalID))
	ds.OrderBy("d.occurred_at DESC", "d.stable_external_id ASC")
	drecs, err := w.run(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("donor donations: %w", err)
	}
	detail.Donations = donationRows(drecs)
	return detail, nil
}

// dateString renders a DATE column as YYYY-MM-DD. lib/pq returns dates as
// midnight UTC timestamps.
func dateString(rec warehouse.Record, col string) string {
	switch v := rec[col].(type) {
	case time.Time:
		return v.Format(DateLayout)
	default:
		s := rec.String(col)
		if len(s) > len(DateLayout) {
			s = s[:len(DateLayout)]
		}
		return s
	}
}
