package api

import (
	"net/http"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/And03-11/animal-rescue-dashboard/internal/query"
	"golang.org/x/sync/errgroup"
)

const defaultTopDonors = 10

// MetricsResponse is the dashboard landing payload.
type MetricsResponse struct {
	Glance    domain.GlanceMetrics  `json:"glance"`
	Daily     []domain.DailySummary `json:"daily_summaries"`
	StartDate string                `json:"start_date,omitempty"`
	EndDate   string                `json:"end_date,omitempty"`
}

// GetDashboardMetrics returns the glance numbers and the daily summaries of
// the requested range. Both reads run concurrently.
//
//	GET /api/v1/dashboard/metrics?start_date&end_date
func (h *Handlers) GetDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	rng, err := dateRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}

	resp := MetricsResponse{StartDate: rng.Start, EndDate: rng.End}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		resp.Glance, err = h.reader.GlanceMetrics(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Daily, err = h.reader.DailySummaries(ctx, rng)
		return err
	})
	if err := g.Wait(); err != nil {
		httputil.FromError(w, err)
		return
	}
	if resp.Daily == nil {
		resp.Daily = []domain.DailySummary{}
	}
	httputil.OK(w, resp)
}

// GetTopDonors returns the donors ranked by lifetime total.
//
//	GET /api/v1/dashboard/top-donors?limit
func (h *Handlers) GetTopDonors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultTopDonors)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if limit < 1 || limit > query.MaxTopDonors {
		httputil.FromError(w, apperr.Validation("limit must be between 1 and %d", query.MaxTopDonors))
		return
	}
	donors, err := h.reader.TopDonors(r.Context(), limit)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if donors == nil {
		donors = []domain.TopDonor{}
	}
	httputil.OK(w, donors)
}

// GetSourceBreakdown groups totals by campaign source.
//
//	GET /api/v1/dashboard/sources?start_date&end_date
func (h *Handlers) GetSourceBreakdown(w http.ResponseWriter, r *http.Request) {
	rng, err := dateRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	out, err := h.reader.SourceBreakdown(r.Context(), rng)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, out)
}
