package query

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
)

// DateLayout is the layout of every date parameter (display timezone).
const DateLayout = "2006-01-02"

// Page size bounds for donation lists.
const (
	MinPageSize     = 1
	MaxPageSize     = 100
	DefaultPageSize = 50
)

// MaxTopDonors bounds the top donors ranking.
const MaxTopDonors = 100

// OtherSources is the bucket for every source outside the whitelist.
const OtherSources = "Others"

// DateRange is an inclusive range of display-timezone dates. An empty bound
// is open.
type DateRange struct {
	Start string
	End   string
}

// NewDateRange validates YYYY-MM-DD bounds.
func NewDateRange(start, end string) (DateRange, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return DateRange{}, apperr.Validation("invalid date %q, expected YYYY-MM-DD", d)
		}
	}
	if start != "" && end != "" && start > end {
		return DateRange{}, apperr.Validation("start_date %s is after end_date %s", start, end)
	}
	return DateRange{Start: start, End: end}, nil
}

// Contains reports whether day (YYYY-MM-DD) falls inside the range.
func (r DateRange) Contains(day string) bool {
	if r.Start != "" && day < r.Start {
		return false
	}
	if r.End != "" && day > r.End {
		return false
	}
	return true
}

// Closed reports whether both bounds are set.
func (r DateRange) Closed() bool { return r.Start != "" && r.End != "" }

// Page is a validated pagination window.
type Page struct {
	Size   int
	Offset int
}

// NewPage validates page_size ∈ [1,100] and offset ≥ 0.
func NewPage(size, offset int) (Page, error) {
	if size < MinPageSize || size > MaxPageSize {
		return Page{}, apperr.Validation("page_size must be between %d and %d", MinPageSize, MaxPageSize)
	}
	if offset < 0 {
		return Page{}, apperr.Validation("offset must not be negative")
	}
	return Page{Size: size, Offset: offset}, nil
}

var sourceAliases = map[string]string{
	"funnel":        "New Comers",
	"new comers":    "New Comers",
	"newcomers":     "New Comers",
	"big campaign":  "Big Campaigns",
	"big campaigns": "Big Campaigns",
	"facebook":      "Facebook",
}

// sourceWhitelist is also the display order of the breakdown.
var sourceWhitelist = []string{"Big Campaigns", "Facebook", "New Comers"}

// CanonicalSource maps a raw campaign source to its breakdown bucket.
func CanonicalSource(raw string) string {
	if alias, ok := sourceAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return alias
	}
	return OtherSources
}

// buildBreakdown folds raw per-source totals into the whitelist buckets and
// computes percentages. Buckets with no money are dropped.
func buildBreakdown(raw map[string]float64) domain.SourceBreakdown {
	buckets := make(map[string]float64)
	for src, v := range raw {
		buckets[CanonicalSource(src)] += v
	}

	var total float64
	for _, v := range buckets {
		total += v
	}
	total = round2(total)

	out := domain.SourceBreakdown{TotalAmount: total, Breakdown: []domain.BreakdownItem{}}
	for _, name := range append(append([]string(nil), sourceWhitelist...), OtherSources) {
		v := round2(buckets[name])
		if v <= 0 {
			continue
		}
		pct := 0.0
		if total > 0 {
			pct = round2(v / total * 100)
		}
		out.Breakdown = append(out.Breakdown, domain.BreakdownItem{Name: name, Value: v, Percentage: pct})
	}
	// Values are rounded independently; make them add up to the total.
	if n := len(out.Breakdown); n > 0 {
		var sum float64
		for _, b := range out.Breakdown[:n-1] {
			sum += b.Value
		}
		out.Breakdown[n-1].Value = round2(total - sum)
	}
	return out
}

// statsFromGroups totals grouped rows and orders them by earliest donation.
func statsFromGroups(groups []domain.GroupStat) domain.Stats {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].FirstDonation != groups[j].FirstDonation {
			return groups[i].FirstDonation < groups[j].FirstDonation
		}
		return groups[i].ID < groups[j].ID
	})
	st := domain.Stats{Groups: groups}
	if st.Groups == nil {
		st.Groups = []domain.GroupStat{}
	}
	var total float64
	for _, g := range groups {
		total += g.TotalAmount
		st.DonationCount += g.DonationCount
	}
	st.TotalAmount = round2(total)
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// isoUTC formats a timestamp the way every response carries it.
func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
