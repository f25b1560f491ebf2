package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/query"
)

// PaginatedResponse is a donation page plus a has_more hint for the client.
type PaginatedResponse struct {
	domain.DonationPage
	HasMore bool `json:"has_more"`
}

// ParsePage extracts page_size and offset from query params. Missing values
// take the defaults; anything malformed or out of range is a validation error
// rather than being clamped.
func ParsePage(r *http.Request) (query.Page, error) {
	size, err := intParam(r, "page_size", query.DefaultPageSize)
	if err != nil {
		return query.Page{}, err
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return query.Page{}, err
	}
	return query.NewPage(size, offset)
}

// NewPaginatedResponse builds a PaginatedResponse from a donation page.
func NewPaginatedResponse(p domain.DonationPage) PaginatedResponse {
	if p.Donations == nil {
		p.Donations = []domain.DonationRow{}
	}
	return PaginatedResponse{
		DonationPage: p,
		HasMore:      p.Offset+len(p.Donations) < p.Total,
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return v, nil
}

// noRange leaves both bounds open.
var noRange query.DateRange

// dateRange reads start_date and end_date.
func dateRange(r *http.Request) (query.DateRange, error) {
	q := r.URL.Query()
	return query.NewDateRange(q.Get("start_date"), q.Get("end_date"))
}

// listParam reads a repeated or comma-separated parameter.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
