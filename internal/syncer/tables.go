package syncer

import (
	"context"
	"math"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
)

type built struct {
	rows       [][]interface{}
	skipped    int
	unresolved int
}

type tableSpec struct {
	name     string
	sorTable string
	fields   []string
	columns  []string
	build    func(ctx context.Context, e *Engine, recs []airtable.Record) (built, error)
	after    func(ctx context.Context, e *Engine, recs []airtable.Record) error
}

func tableSpecs() []tableSpec {
	return []tableSpec{
		{
			name:     domain.TableCampaigns,
			sorTable: airtable.TableCampaigns,
			fields:   []string{airtable.FieldName, airtable.FieldCampaignSource},
			columns:  []string{"stable_external_id", "name", "source", "created_at"},
			build:    buildCampaigns,
		},
		{
			name:     domain.TableFormTitles,
			sorTable: airtable.TableFormTitles,
			fields:   []string{airtable.FieldName, airtable.FieldFormTitleCampaign},
			columns:  []string{"stable_external_id", "name", "campaign_id", "created_at"},
			build:    buildFormTitles,
		},
		{
			name:     domain.TableDonorEmails,
			sorTable: airtable.TableEmails,
			fields:   []string{airtable.FieldEmailAddress, airtable.FieldEmailBounced},
			columns:  []string{"stable_external_id", "email", "bounced"},
			build:    buildDonorEmails,
			after:    rehydrateBounced,
		},
		{
			name:     domain.TableDonors,
			sorTable: airtable.TableDonors,
			fields: []string{
				airtable.FieldName, airtable.FieldDonorEmails, airtable.FieldDonorEmailLookup,
				airtable.FieldDonorRegion, airtable.FieldDonorStage, airtable.FieldDonorStatus,
				airtable.FieldDonorFunnelStage, airtable.FieldDonorTags, airtable.FieldDonorBounced,
			},
			columns: []string{
				"stable_external_id", "display_name", "emails", "email_refs", "region",
				"stage", "status", "funnel_stage", "tags", "bounced", "sor_bounced", "created_at",
			},
			build: buildDonors,
		},
		{
			name:     domain.TableDonations,
			sorTable: airtable.TableDonations,
			fields: []string{
				airtable.FieldDonationAmount, airtable.FieldDonationDate,
				airtable.FieldDonationDonor, airtable.FieldDonationFormTitle,
			},
			columns: []string{"stable_external_id", "amount", "occurred_at", "donor_id", "form_title_id", "created_at"},
			build:   buildDonations,
		},
	}
}

func buildCampaigns(_ context.Context, _ *Engine, recs []airtable.Record) (built, error) {
	var b built
	for _, r := range recs {
		b.rows = append(b.rows, []interface{}{
			r.ID,
			r.String(airtable.FieldName),
			nullString(r.String(airtable.FieldCampaignSource)),
			r.CreatedTime.UTC(),
		})
	}
	return b, nil
}

func buildFormTitles(ctx context.Context, e *Engine, recs []airtable.Record) (built, error) {
	var b built
	campaigns, err := e.resolve(ctx, domain.TableCampaigns, recs, airtable.FieldFormTitleCampaign)
	if err != nil {
		return b, err
	}
	for _, r := range recs {
		campaignID, missing := lookupRef(campaigns, r.FirstLink(airtable.FieldFormTitleCampaign))
		if missing {
			b.unresolved++
		}
		b.rows = append(b.rows, []interface{}{
			r.ID,
			r.String(airtable.FieldName),
			campaignID,
			r.CreatedTime.UTC(),
		})
	}
	return b, nil
}

func buildDonorEmails(_ context.Context, _ *Engine, recs []airtable.Record) (built, error) {
	var b built
	for _, r := range recs {
		b.rows = append(b.rows, []interface{}{
			r.ID,
			strings.ToLower(r.String(airtable.FieldEmailAddress)),
			r.Bool(airtable.FieldEmailBounced),
		})
	}
	return b, nil
}

type emailEntity struct {
	email   string
	bounced bool
}

func buildDonors(ctx context.Context, e *Engine, recs []airtable.Record) (built, error) {
	var b built
	var refs []string
	for _, r := range recs {
		refs = append(refs, r.Links(airtable.FieldDonorEmails)...)
	}
	entities, err := e.lookupEmails(ctx, refs)
	if err != nil {
		return b, err
	}

	for _, r := range recs {
		emailRefs := r.Links(airtable.FieldDonorEmails)
		var emails []string
		sorBounced := r.Bool(airtable.FieldDonorBounced)
		bounced := sorBounced
		missing := false
		for _, ref := range emailRefs {
			ent, ok := entities[ref]
			if !ok {
				missing = true
				continue
			}
			emails = append(emails, ent.email)
			bounced = bounced || ent.bounced
		}
		if missing {
			b.unresolved++
			// The lookup column carries the addresses even when the email
			// rows have not reached the warehouse yet.
			emails = append(emails, r.Strings(airtable.FieldDonorEmailLookup)...)
		}
		emails = domain.NormalizeEmails(emails)

		b.rows = append(b.rows, []interface{}{
			r.ID,
			r.String(airtable.FieldName),
			pq.Array(emails),
			pq.Array(nonNil(emailRefs)),
			nullString(r.String(airtable.FieldDonorRegion)),
			nullString(r.String(airtable.FieldDonorStage)),
			nullString(r.String(airtable.FieldDonorStatus)),
			nullString(r.String(airtable.FieldDonorFunnelStage)),
			pq.Array(nonNil(r.Strings(airtable.FieldDonorTags))),
			bounced,
			sorBounced,
			r.CreatedTime.UTC(),
		})
	}
	return b, nil
}

func buildDonations(ctx context.Context, e *Engine, recs []airtable.Record) (built, error) {
	var b built
	donors, err := e.resolve(ctx, domain.TableDonors, recs, airtable.FieldDonationDonor)
	if err != nil {
		return b, err
	}
	formTitles, err := e.resolve(ctx, domain.TableFormTitles, recs, airtable.FieldDonationFormTitle)
	if err != nil {
		return b, err
	}

	for _, r := range recs {
		amount := round2(r.Float(airtable.FieldDonationAmount))
		if amount < 0 {
			e.log.Warn("skipping donation with negative amount", "id", r.ID, "amount", amount)
			b.skipped++
			continue
		}
		occurred, ok := r.Time(airtable.FieldDonationDate, e.opts.Location)
		if !ok {
			occurred = r.CreatedTime.UTC()
		}

		donorID, donorMissing := lookupRef(donors, r.FirstLink(airtable.FieldDonationDonor))
		formTitleID, ftMissing := lookupRef(formTitles, r.FirstLink(airtable.FieldDonationFormTitle))
		if donorMissing {
			b.unresolved++
		}
		if ftMissing {
			b.unresolved++
		}

		b.rows = append(b.rows, []interface{}{
			r.ID,
			amount,
			occurred,
			donorID,
			formTitleID,
			r.CreatedTime.UTC(),
		})
	}
	return b, nil
}

// rehydrateBounced refreshes the bounced aggregate of donors whose linked
// email rows just changed. Donor rows that did not change in the SOR would
// otherwise keep a stale flag. The donor's own flag, kept in sor_bounced,
// still counts.
func rehydrateBounced(ctx context.Context, e *Engine, recs []airtable.Record) error {
	if e.opts.Bootstrap {
		// Donors are rebuilt from scratch right after.
		return nil
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	_, err := e.wh.Execute(ctx, `
		UPDATE donors d
		SET bounced = d.sor_bounced OR COALESCE((
			SELECT bool_or(de.bounced) FROM donor_emails de
			WHERE de.stable_external_id = ANY(d.email_refs)
		), false)
		WHERE d.email_refs && $1`, pq.Array(ids))
	return err
}

// resolve collects the parent ids linked from field across the batch and
// maps them to local ids with one bounded lookup.
func (e *Engine) resolve(ctx context.Context, parent string, recs []airtable.Record, field string) (map[string]int64, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range recs {
		if id := r.FirstLink(field); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return e.wh.ResolveIDs(ctx, parent, ids)
}

func (e *Engine) lookupEmails(ctx context.Context, refs []string) (map[string]emailEntity, error) {
	out := make(map[string]emailEntity)
	if len(refs) == 0 {
		return out, nil
	}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("stable_external_id", "email", "bounced")
	sb.From(domain.TableDonorEmails)
	sb.Where(sb.In("stable_external_id", sqlbuilder.Flatten(dedupe(refs))...))
	query, args := sb.Build()

	recs, err := e.wh.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		out[r.String("stable_external_id")] = emailEntity{email: r.String("email"), bounced: r.Bool("bounced")}
	}
	return out, nil
}

// lookupRef returns the local id for ref (nil when ref is empty or
// unresolved) and whether a non-empty ref failed to resolve.
func lookupRef(ids map[string]int64, ref string) (interface{}, bool) {
	if ref == "" {
		return nil, false
	}
	id, ok := ids[ref]
	if !ok {
		return nil, true
	}
	return id, false
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
