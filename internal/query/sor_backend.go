package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"golang.org/x/sync/errgroup"
)

// SORReader reads whole tables from the system of record.
type SORReader interface {
	FetchAll(ctx context.Context, table string, opts airtable.FetchOptions) ([]airtable.Record, error)
}

// SORBackend answers reads by aggregating system-of-record tables in
// memory. It applies the same reference rules as the sync engine so its
// output matches the warehouse over the same snapshot: links to records
// that do not exist are treated as null, and donations linked to neither a
// donor nor a form title are ignored.
type SORBackend struct {
	sor SORReader
	loc *time.Location
}

// NewSORBackend creates the fallback backend.
func NewSORBackend(sor SORReader, loc *time.Location) *SORBackend {
	if loc == nil {
		loc = time.UTC
	}
	return &SORBackend{sor: sor, loc: loc}
}

// Name implements Backend.
func (s *SORBackend) Name() string { return "airtable" }

type sorCampaign struct {
	id, name, source string
}

type sorFormTitle struct {
	id, name, campaignID string
}

type sorDonor struct {
	id      string
	name    string
	emails  []string
	rec     airtable.Record
	bounced bool
}

type sorDonation struct {
	id          string
	amount      float64
	at          time.Time
	day         string
	donorID     string
	formTitleID string
}

type snapshot struct {
	campaigns  map[string]sorCampaign
	formTitles map[string]sorFormTitle
	donors     map[string]sorDonor
	donations  []sorDonation
}

func (sn *snapshot) source(d sorDonation) (string, bool) {
	ft, ok := sn.formTitles[d.formTitleID]
	if !ok {
		return "", false
	}
	c, ok := sn.campaigns[ft.campaignID]
	if !ok {
		return "", false
	}
	return c.source, true
}

func (sn *snapshot) campaignOf(d sorDonation) (sorCampaign, bool) {
	ft, ok := sn.formTitles[d.formTitleID]
	if !ok {
		return sorCampaign{}, false
	}
	c, ok := sn.campaigns[ft.campaignID]
	return c, ok
}

// load fetches the campaign, form title and donor tables plus the donations
// narrowed by r, concurrently. Dangling links are cleared.
func (s *SORBackend) load(ctx context.Context, rng DateRange) (*snapshot, error) {
	var campaigns, formTitles, donors, donations []airtable.Record
	eg, gctx := errgroup.WithContext(ctx)
	fetch := func(table string, opts airtable.FetchOptions, dst *[]airtable.Record) {
		eg.Go(func() error {
			recs, err := s.sor.FetchAll(gctx, table, opts)
			if err != nil {
				return err
			}
			*dst = recs
			return nil
		})
	}
	fetch(airtable.TableCampaigns, airtable.FetchOptions{}, &campaigns)
	fetch(airtable.TableFormTitles, airtable.FetchOptions{}, &formTitles)
	fetch(airtable.TableDonors, airtable.FetchOptions{}, &donors)
	fetch(airtable.TableDonations, airtable.FetchOptions{Filter: s.rangeFormula(rng)}, &donations)
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("airtable snapshot: %w", err)
	}

	sn := &snapshot{
		campaigns:  make(map[string]sorCampaign, len(campaigns)),
		formTitles: make(map[string]sorFormTitle, len(formTitles)),
		donors:     make(map[string]sorDonor, len(donors)),
	}
	for _, r := range campaigns {
		sn.campaigns[r.ID] = sorCampaign{id: r.ID, name: r.String(airtable.FieldName), source: r.String(airtable.FieldCampaignSource)}
	}
	for _, r := range formTitles {
		campaignID := r.FirstLink(airtable.FieldFormTitleCampaign)
		if _, ok := sn.campaigns[campaignID]; !ok {
			campaignID = ""
		}
		sn.formTitles[r.ID] = sorFormTitle{id: r.ID, name: r.String(airtable.FieldName), campaignID: campaignID}
	}
	for _, r := range donors {
		sn.donors[r.ID] = sorDonor{
			id:      r.ID,
			name:    r.String(airtable.FieldName),
			emails:  domain.NormalizeEmails(r.Strings(airtable.FieldDonorEmailLookup)),
			rec:     r,
			bounced: r.Bool(airtable.FieldDonorBounced),
		}
	}
	for _, r := range donations {
		amount := round2(r.Float(airtable.FieldDonationAmount))
		if amount < 0 {
			continue
		}
		at, ok := r.Time(airtable.FieldDonationDate, s.loc)
		if !ok {
			at = r.CreatedTime.UTC()
		}
		d := sorDonation{
			id:          r.ID,
			amount:      amount,
			at:          at,
			day:         at.In(s.loc).Format(DateLayout),
			donorID:     r.FirstLink(airtable.FieldDonationDonor),
			formTitleID: r.FirstLink(airtable.FieldDonationFormTitle),
		}
		if _, ok := sn.donors[d.donorID]; !ok {
			d.donorID = ""
		}
		if _, ok := sn.formTitles[d.formTitleID]; !ok {
			d.formTitleID = ""
		}
		if d.donorID == "" && d.formTitleID == "" {
			continue
		}
		if !rng.Contains(d.day) {
			continue
		}
		sn.donations = append(sn.donations, d)
	}
	return sn, nil
}

// rangeFormula narrows the donations read on the SOR side. The range is
// applied again locally on the resolved day, so the server side only has to
// be a superset: bounds are padded by a day and undated donations, which
// fall back to their creation time, are always read.
func (s *SORBackend) rangeFormula(r DateRange) string {
	var clauses []string
	if r.Start != "" {
		clauses = append(clauses, airtable.DateOnOrAfter(airtable.FieldDonationDate, padDay(r.Start, -1), s.loc.String()))
	}
	if r.End != "" {
		clauses = append(clauses, airtable.DateOnOrBefore(airtable.FieldDonationDate, padDay(r.End, 1), s.loc.String()))
	}
	if len(clauses) == 0 {
		return ""
	}
	return airtable.Or(airtable.IsBlank(airtable.FieldDonationDate), airtable.And(clauses...))
}

func padDay(day string, n int) string {
	t, err := time.Parse(DateLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, n).Format(DateLayout)
}

// DailySummaries implements Backend.
func (s *SORBackend) DailySummaries(ctx context.Context, r DateRange) ([]domain.DailySummary, error) {
	sn, err := s.load(ctx, r)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]*domain.DailySummary)
	for _, d := range sn.donations {
		ds, ok := byDay[d.day]
		if !ok {
			ds = &domain.DailySummary{Date: d.day}
			byDay[d.day] = ds
		}
		ds.Total += d.amount
		ds.Count++
	}
	out := make([]domain.DailySummary, 0, len(byDay))
	for _, ds := range byDay {
		ds.Total = round2(ds.Total)
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// TopDonors implements Backend.
func (s *SORBackend) TopDonors(ctx context.Context, limit int) ([]domain.TopDonor, error) {
	sn, err := s.load(ctx, DateRange{})
	if err != nil {
		return nil, err
	}
	byDonor := make(map[string]*domain.TopDonor)
	for _, d := range sn.donations {
		donor, ok := sn.donors[d.donorID]
		if !ok || len(donor.emails) == 0 {
			continue
		}
		td, ok := byDonor[donor.id]
		if !ok {
			td = &domain.TopDonor{Email: donor.emails[0], Name: donor.name}
			byDonor[donor.id] = td
		}
		td.TotalAmount += d.amount
		td.DonationsCount++
	}
	out := make([]domain.TopDonor, 0, len(byDonor))
	for _, td := range byDonor {
		td.TotalAmount = round2(td.TotalAmount)
		out = append(out, *td)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalAmount != out[j].TotalAmount {
			return out[i].TotalAmount > out[j].TotalAmount
		}
		if out[i].DonationsCount != out[j].DonationsCount {
			return out[i].DonationsCount > out[j].DonationsCount
		}
		return out[i].Email < out[j].Email
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SourceTotals implements Backend.
func (s *SORBackend) SourceTotals(ctx context.Context, r DateRange) (map[string]float64, error) {
	sn, err := s.load(ctx, r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, d := range sn.donations {
		src, _ := sn.source(d)
		out[src] += d.amount
	}
	return out, nil
}

// Totals implements Backend.
func (s *SORBackend) Totals(ctx context.Context, r DateRange) (float64, int, error) {
	sn, err := s.load(ctx, r)
	if err != nil {
		return 0, 0, err
	}
	var total float64
	for _, d := range sn.donations {
		total += d.amount
	}
	return round2(total), len(sn.donations), nil
}

// Sources implements Backend.
func (s *SORBackend) Sources(ctx context.Context) ([]string, error) {
	recs, err := s.sor.FetchAll(ctx, airtable.TableCampaigns, airtable.FetchOptions{Fields: []string{airtable.FieldCampaignSource}})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, r := range recs {
		src := r.String(airtable.FieldCampaignSource)
		if src != "" && !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CampaignsBySource implements Backend.
func (s *SORBackend) CampaignsBySource(ctx context.Context, source string) ([]domain.CampaignRef, error) {
	recs, err := s.sor.FetchAll(ctx, airtable.TableCampaigns, airtable.FetchOptions{
		Filter: airtable.Equals(airtable.FieldCampaignSource, source),
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CampaignRef, 0, len(recs))
	for _, r := range recs {
		if r.String(airtable.FieldCampaignSource) != source {
			continue
		}
		out = append(out, domain.CampaignRef{ID: r.ID, Name: r.String(airtable.FieldName), Source: source})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FormTitles implements Backend.
func (s *SORBackend) FormTitles(ctx context.Context, campaignID string) ([]domain.FormTitleRef, error) {
	recs, err := s.sor.FetchAll(ctx, airtable.TableFormTitles, airtable.FetchOptions{})
	if err != nil {
		return nil, err
	}
	out := []domain.FormTitleRef{}
	for _, r := range recs {
		if r.FirstLink(airtable.FieldFormTitleCampaign) != campaignID {
			continue
		}
		out = append(out, domain.FormTitleRef{ID: r.ID, Name: r.String(airtable.FieldName), CampaignID: campaignID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type groupAcc struct {
	stat  domain.GroupStat
	first time.Time
}

func collectGroups(groups map[string]*groupAcc) []domain.GroupStat {
	out := make([]domain.GroupStat, 0, len(groups))
	for _, g := range groups {
		g.stat.TotalAmount = round2(g.stat.TotalAmount)
		g.stat.FirstDonation = isoUTC(g.first)
		out = append(out, g.stat)
	}
	return out
}

func addToGroup(groups map[string]*groupAcc, id, name string, d sorDonation) {
	g, ok := groups[id]
	if !ok {
		g = &groupAcc{stat: domain.GroupStat{ID: id, Name: name}, first: d.at}
		groups[id] = g
	}
	g.stat.TotalAmount += d.amount
	g.stat.DonationCount++
	if d.at.Before(g.first) {
		g.first = d.at
	}
}

// SourceStats implements Backend.
func (s *SORBackend) SourceStats(ctx context.Context, source string, r DateRange) ([]domain.GroupStat, error) {
	sn, err := s.load(ctx, r)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]*groupAcc)
	for _, d := range sn.donations {
		c, ok := sn.campaignOf(d)
		if !ok || c.source != source {
			continue
		}
		addToGroup(groups, c.id, c.name, d)
	}
	return collectGroups(groups), nil
}

// CampaignStats implements Backend.
func (s *SORBackend) CampaignStats(ctx context.Context, campaignID string, r DateRange, formTitleIDs []string) ([]domain.GroupStat, error) {
	sn, err := s.load(ctx, r)
	if err != nil {
		return nil, err
	}
	only := stringSet(formTitleIDs)
	groups := make(map[string]*groupAcc)
	for _, d := range sn.donations {
		ft, ok := sn.formTitles[d.formTitleID]
		if !ok || ft.campaignID != campaignID {
			continue
		}
		if len(only) > 0 && !only[ft.id] {
			continue
		}
		addToGroup(groups, ft.id, ft.name, d)
	}
	return collectGroups(groups), nil
}

// CampaignDonations implements Backend.
func (s *SORBackend) CampaignDonations(ctx context.Context, campaignID string, p Page) (domain.DonationPage, error) {
	return s.donationPage(ctx, p, func(sn *snapshot, d sorDonation) bool {
		c, ok := sn.campaignOf(d)
		return ok && c.id == campaignID
	})
}

// SourceDonations implements Backend.
func (s *SORBackend) SourceDonations(ctx context.Context, source string, p Page) (domain.DonationPage, error) {
	return s.donationPage(ctx, p, func(sn *snapshot, d sorDonation) bool {
		src, ok := sn.source(d)
		return ok && src == source
	})
}

// FormTitleDonations implements Backend.
func (s *SORBackend) FormTitleDonations(ctx context.Context, formTitleIDs []string, p Page) (domain.DonationPage, error) {
	only := stringSet(formTitleIDs)
	return s.donationPage(ctx, p, func(_ *snapshot, d sorDonation) bool {
		return only[d.formTitleID]
	})
}

func (s *SORBackend) donationPage(ctx context.Context, p Page, keep func(*snapshot, sorDonation) bool) (domain.DonationPage, error) {
	sn, err := s.load(ctx, DateRange{})
	if err != nil {
		return domain.DonationPage{}, err
	}
	var matched []sorDonation
	for _, d := range sn.donations {
		if keep(sn, d) {
			matched = append(matched, d)
		}
	}
	sortNewestFirst(matched)

	page := domain.DonationPage{Total: len(matched), PageSize: p.Size, Offset: p.Offset, Donations: []domain.DonationRow{}}
	if p.Offset < len(matched) {
		end := p.Offset + p.Size
		if end > len(matched) {
			end = len(matched)
		}
		for _, d := range matched[p.Offset:end] {
			page.Donations = append(page.Donations, sn.row(d))
		}
	}
	return page, nil
}

func (sn *snapshot) row(d sorDonation) domain.DonationRow {
	row := domain.DonationRow{ID: d.id, Amount: d.amount, DonationDate: isoUTC(d.at)}
	if donor, ok := sn.donors[d.donorID]; ok {
		row.DonorName = donor.name
		if len(donor.emails) > 0 {
			row.DonorEmail = donor.emails[0]
		}
	}
	if ft, ok := sn.formTitles[d.formTitleID]; ok {
		row.FormTitle = ft.name
	}
	return row
}

// DonorByEmail implements Backend.
func (s *SORBackend) DonorByEmail(ctx context.Context, email string) (*domain.DonorDetail, error) {
	sn, err := s.load(ctx, DateRange{})
	if err != nil {
		return nil, err
	}
	var match *sorDonor
	ids := make([]string, 0, len(sn.donors))
	for id := range sn.donors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := sn.donors[id]
		if containsFold(d.emails, email) {
			match = &d
			break
		}
	}
	if match == nil {
		return nil, apperr.NotFound("donor " + email)
	}

	rec := match.rec
	detail := &domain.DonorDetail{
		Donor: domain.Donor{
			StableExternalID: match.id,
			DisplayName:      match.name,
			Emails:           match.emails,
			Region:           rec.String(airtable.FieldDonorRegion),
			Stage:            rec.String(airtable.FieldDonorStage),
			Status:           rec.String(airtable.FieldDonorStatus),
			FunnelStage:      rec.String(airtable.FieldDonorFunnelStage),
			Bounced:          match.bounced,
			Tags:             rec.Strings(airtable.FieldDonorTags),
		},
		Donations: []domain.DonationRow{},
	}
	var mine []sorDonation
	for _, d := range sn.donations {
		if d.donorID == match.id {
			mine = append(mine, d)
		}
	}
	sortNewestFirst(mine)
	for _, d := range mine {
		detail.Donations = append(detail.Donations, sn.row(d))
	}
	return detail, nil
}

func sortNewestFirst(ds []sorDonation) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].at.Equal(ds[j].at) {
			return ds[i].at.After(ds[j].at)
		}
		return ds[i].id < ds[j].id
	})
}

func stringSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
