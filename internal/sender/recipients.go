package sender

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
)

// DefaultEmailColumn is the CSV header read when a campaign names none.
const DefaultEmailColumn = "Email"

// RecipientLoader turns a campaign's recipient source into an ordered,
// de-duplicated recipient list.
type RecipientLoader interface {
	Load(ctx context.Context, src domain.RecipientSource) ([]domain.Recipient, error)
}

// Candidate is a donor eligible for a selection campaign.
type Candidate struct {
	ExternalID string
	Name       string
	Emails     []string
	Tags       []string
}

// DonorFinder returns donors matching selection criteria, in a stable order.
// Tag exclusion is applied by the caller.
type DonorFinder interface {
	FindDonors(ctx context.Context, c domain.RecipientCriteria) ([]Candidate, error)
}

// Recipients loads CSV artifacts through a BlobOpener and selection
// campaigns through a DonorFinder.
type Recipients struct {
	blobs       BlobOpener
	donors      DonorFinder
	excludeTags []string
}

// NewRecipients builds a loader. donors may be nil when no donor store is
// configured; selection campaigns then fail validation. excludeTags apply to
// every selection campaign on top of its own exclusions.
func NewRecipients(blobs BlobOpener, donors DonorFinder, excludeTags []string) *Recipients {
	return &Recipients{blobs: blobs, donors: donors, excludeTags: excludeTags}
}

// Load implements RecipientLoader.
func (r *Recipients) Load(ctx context.Context, src domain.RecipientSource) ([]domain.Recipient, error) {
	switch src.Kind {
	case domain.SourceCSV:
		if src.CSV == nil || strings.TrimSpace(src.CSV.Location) == "" {
			return nil, apperr.Validation("csv recipient source needs a location")
		}
		if r.blobs == nil {
			return nil, apperr.Validation("no blob storage configured for csv recipients")
		}
		rc, err := r.blobs.Open(ctx, src.CSV.Location)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return ReadCSV(rc, src.CSV.EmailColumn, src.CSV.NameColumn)

	case domain.SourceSelection:
		if r.donors == nil {
			return nil, apperr.Validation("donor selection is unavailable without a donor store")
		}
		crit := domain.RecipientCriteria{}
		if src.Selection != nil {
			crit = *src.Selection
		}
		found, err := r.donors.FindDonors(ctx, crit)
		if err != nil {
			return nil, err
		}
		exclude := append(append([]string(nil), r.excludeTags...), crit.ExcludeTags...)
		return selectRecipients(found, exclude), nil
	}
	return nil, apperr.Validation("unknown recipient source %q", src.Kind)
}

// ReadCSV projects the email and (optional) name columns of a CSV with a
// header row. Header matching ignores case and surrounding space. Rows with
// an unparsable email are dropped, as are repeats of an earlier address.
func ReadCSV(r io.Reader, emailCol, nameCol string) ([]domain.Recipient, error) {
	if emailCol == "" {
		emailCol = DefaultEmailColumn
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("read csv header: %v", err)
	}
	emailIdx, nameIdx := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.EqualFold(h, emailCol) {
			emailIdx = i
		}
		if nameCol != "" && strings.EqualFold(h, nameCol) {
			nameIdx = i
		}
	}
	if emailIdx < 0 {
		return nil, apperr.Validation("csv has no %q column", emailCol)
	}

	seen := make(map[string]struct{})
	var out []domain.Recipient
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Validation("read csv: %v", err)
		}
		if emailIdx >= len(row) {
			continue
		}
		email, ok := normalizeEmail(row[emailIdx])
		if !ok {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		rec := domain.Recipient{Email: email}
		if nameIdx >= 0 && nameIdx < len(row) {
			rec.Name = strings.TrimSpace(row[nameIdx])
		}
		out = append(out, rec)
	}
	return out, nil
}

// selectRecipients reduces donors to their primary email, dropping donors
// with no usable email or an excluded tag.
func selectRecipients(donors []Candidate, excludeTags []string) []domain.Recipient {
	excluded := make(map[string]struct{}, len(excludeTags))
	for _, t := range excludeTags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			excluded[t] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var out []domain.Recipient
next:
	for _, d := range donors {
		for _, tag := range d.Tags {
			if _, ok := excluded[strings.ToLower(strings.TrimSpace(tag))]; ok {
				continue next
			}
		}
		for _, e := range d.Emails {
			email, ok := normalizeEmail(e)
			if !ok {
				continue
			}
			if _, dup := seen[email]; !dup {
				seen[email] = struct{}{}
				out = append(out, domain.Recipient{Email: email, Name: d.Name})
			}
			break
		}
	}
	return out
}

func normalizeEmail(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

func describeSource(src domain.RecipientSource) string {
	if src.Kind == domain.SourceCSV && src.CSV != nil {
		return fmt.Sprintf("csv:%s", src.CSV.Location)
	}
	return string(src.Kind)
}
