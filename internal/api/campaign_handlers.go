package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// ListSources returns the distinct campaign sources.
//
//	GET /api/v1/campaigns/sources
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.reader.Sources(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if sources == nil {
		sources = []string{}
	}
	httputil.OK(w, map[string]interface{}{"sources": sources})
}

// ListCampaigns returns the campaigns under a source.
//
//	GET /api/v1/campaigns?source
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		httputil.FromError(w, apperr.Validation("source is required"))
		return
	}
	campaigns, err := h.reader.CampaignsBySource(r.Context(), source)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.CampaignRef{}
	}
	httputil.OK(w, map[string]interface{}{"source": source, "campaigns": campaigns})
}

// CampaignDetail is a campaign's lifetime stats and its form titles.
type CampaignDetail struct {
	CampaignID string                `json:"campaign_id"`
	Stats      domain.Stats          `json:"stats"`
	FormTitles []domain.FormTitleRef `json:"form_titles"`
}

// GetCampaign returns lifetime stats plus the form titles of one campaign.
//
//	GET /api/v1/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out := CampaignDetail{CampaignID: id}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		out.Stats, err = h.reader.CampaignStats(ctx, id, noRange, nil)
		return err
	})
	g.Go(func() error {
		var err error
		out.FormTitles, err = h.reader.FormTitles(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		httputil.FromError(w, err)
		return
	}
	if out.FormTitles == nil {
		out.FormTitles = []domain.FormTitleRef{}
	}
	httputil.OK(w, out)
}

// GetCampaignStats returns a campaign's aggregates grouped by form title.
// form_title_ids may be repeated or comma-separated.
//
//	GET /api/v1/campaigns/{id}/stats-fast?start_date&end_date&form_title_ids
func (h *Handlers) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	rng, err := dateRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	st, err := h.reader.CampaignStats(r.Context(), chi.URLParam(r, "id"), rng, listParam(r, "form_title_ids"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, st)
}

// GetCampaignDonations pages through a campaign's donations.
//
//	GET /api/v1/campaigns/{id}/donations-fast?page_size&offset
func (h *Handlers) GetCampaignDonations(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePage(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	page, err := h.reader.CampaignDonations(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(page))
}

// GetSourceStats returns a source's aggregates grouped by campaign.
//
//	GET /api/v1/campaigns/source/{name}/stats-fast?start_date&end_date
func (h *Handlers) GetSourceStats(w http.ResponseWriter, r *http.Request) {
	rng, err := dateRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	st, err := h.reader.SourceStats(r.Context(), chi.URLParam(r, "name"), rng)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, st)
}

// GetSourceDonations pages through the donations of every campaign under a
// source.
//
//	GET /api/v1/campaigns/source/{name}/donations-fast?page_size&offset
func (h *Handlers) GetSourceDonations(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePage(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	page, err := h.reader.SourceDonations(r.Context(), chi.URLParam(r, "name"), p)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(page))
}

// ListFormTitles returns the form titles of a campaign.
//
//	GET /api/v1/form-titles?campaign_id
func (h *Handlers) ListFormTitles(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("campaign_id"))
	if id == "" {
		httputil.FromError(w, apperr.Validation("campaign_id is required"))
		return
	}
	titles, err := h.reader.FormTitles(r.Context(), id)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if titles == nil {
		titles = []domain.FormTitleRef{}
	}
	httputil.OK(w, map[string]interface{}{"campaign_id": id, "form_titles": titles})
}

// FormTitleDonationsRequest selects the form titles to page through.
type FormTitleDonationsRequest struct {
	FormTitleIDs []string `json:"form_title_ids"`
	PageSize     *int     `json:"page_size,omitempty"`
	Offset       int      `json:"offset"`
}

// PostFormTitleDonations pages through the donations of a set of form
// titles. The body may carry page_size and offset; query params win.
//
//	POST /api/v1/form-titles/donations-fast
func (h *Handlers) PostFormTitleDonations(w http.ResponseWriter, r *http.Request) {
	var req FormTitleDonationsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	ids := make([]string, 0, len(req.FormTitleIDs))
	for _, id := range req.FormTitleIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		httputil.FromError(w, apperr.Validation("form_title_ids must not be empty"))
		return
	}

	q := r.URL.Query()
	if req.PageSize != nil && q.Get("page_size") == "" {
		q.Set("page_size", strconv.Itoa(*req.PageSize))
	}
	if q.Get("offset") == "" {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	r.URL.RawQuery = q.Encode()

	p, err := ParsePage(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	page, err := h.reader.FormTitleDonations(r.Context(), ids, p)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(page))
}
