package sender

import (
	"context"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
	"github.com/huandu/go-sqlbuilder"
)

// Querier is the warehouse read surface used for donor selection.
type Querier interface {
	QueryAll(ctx context.Context, query string, args ...interface{}) ([]warehouse.Record, error)
}

// WarehouseDonors selects donors from the warehouse copy. Region and segment
// (the donor's funnel stage) match case-insensitively.
type WarehouseDonors struct {
	db Querier
}

// NewWarehouseDonors returns a DonorFinder over db.
func NewWarehouseDonors(db Querier) *WarehouseDonors {
	return &WarehouseDonors{db: db}
}

// FindDonors implements DonorFinder.
func (w *WarehouseDonors) FindDonors(ctx context.Context, c domain.RecipientCriteria) ([]Candidate, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("stable_external_id", "display_name", "emails", "tags").
		From("donors").
		Where("cardinality(emails) > 0")
	if r := strings.TrimSpace(c.Region); r != "" {
		sb.Where("lower(region) = lower(" + sb.Var(r) + ")")
	}
	if c.Bounced != nil {
		sb.Where(sb.Equal("bounced", *c.Bounced))
	}
	if s := strings.TrimSpace(c.Segment); s != "" {
		sb.Where("lower(funnel_stage) = lower(" + sb.Var(s) + ")")
	}
	sb.OrderBy("id")

	query, args := sb.Build()
	rows, err := w.db.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{
			ExternalID: r.String("stable_external_id"),
			Name:       r.String("display_name"),
			Emails:     r.Strings("emails"),
			Tags:       r.Strings("tags"),
		})
	}
	return out, nil
}

// RecordReader is the system-of-record read surface.
type RecordReader interface {
	FetchAll(ctx context.Context, table string, opts airtable.FetchOptions) ([]airtable.Record, error)
}

// SORDonors selects donors straight from the system of record, for
// deployments running without a warehouse.
type SORDonors struct {
	sor RecordReader
}

// NewSORDonors returns a DonorFinder over the system of record.
func NewSORDonors(sor RecordReader) *SORDonors {
	return &SORDonors{sor: sor}
}

// FindDonors implements DonorFinder. Region and segment are pushed into the
// filter formula; bounced is evaluated locally because it is a lookup field.
func (s *SORDonors) FindDonors(ctx context.Context, c domain.RecipientCriteria) ([]Candidate, error) {
	var clauses []string
	if r := strings.TrimSpace(c.Region); r != "" {
		clauses = append(clauses, "LOWER({"+airtable.FieldDonorRegion+"}) = LOWER('"+escapeFormula(r)+"')")
	}
	if seg := strings.TrimSpace(c.Segment); seg != "" {
		clauses = append(clauses, "LOWER({"+airtable.FieldDonorFunnelStage+"}) = LOWER('"+escapeFormula(seg)+"')")
	}
	recs, err := s.sor.FetchAll(ctx, airtable.TableDonors, airtable.FetchOptions{
		Fields: []string{
			airtable.FieldName,
			airtable.FieldDonorEmailLookup,
			airtable.FieldDonorTags,
			airtable.FieldDonorBounced,
		},
		Filter: airtable.And(clauses...),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(recs))
	for _, r := range recs {
		if c.Bounced != nil && r.Bool(airtable.FieldDonorBounced) != *c.Bounced {
			continue
		}
		emails := r.Strings(airtable.FieldDonorEmailLookup)
		if len(emails) == 0 {
			continue
		}
		out = append(out, Candidate{
			ExternalID: r.ID,
			Name:       r.String(airtable.FieldName),
			Emails:     emails,
			Tags:       r.Strings(airtable.FieldDonorTags),
		})
	}
	return out, nil
}

func escapeFormula(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}
