package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/auth"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/maillookup"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// SearchResponse joins the warehouse donor record with the mail providers.
type SearchResponse struct {
	Email     string                       `json:"email"`
	Donor     *domain.DonorDetail          `json:"donor"`
	DonorErr  string                       `json:"donor_error,omitempty"`
	Providers map[string]maillookup.Result `json:"providers"`
}

// SearchContact looks an address up in the donor store and in every mail
// provider at once. Provider failures come back as markers.
//
//	GET /api/v1/search/{email}
func (h *Handlers) SearchContact(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(chi.URLParam(r, "email"))
	if raw == "" {
		httputil.FromError(w, apperr.Validation("email is required"))
		return
	}

	out := SearchResponse{Email: strings.ToLower(raw), Providers: map[string]maillookup.Result{}}
	var g errgroup.Group
	if h.searcher != nil {
		g.Go(func() error {
			res, err := h.searcher.Search(r.Context(), raw)
			if err != nil {
				return err
			}
			out.Email = res.Email
			out.Providers = res.Results
			return nil
		})
	}
	g.Go(func() error {
		donor, err := h.reader.DonorByEmail(r.Context(), strings.ToLower(raw))
		switch {
		case err == nil:
			out.Donor = donor
		case errors.Is(err, apperr.ErrNotFound):
		case errors.Is(err, apperr.ErrValidation):
			return err
		default:
			h.log.Warn("donor lookup failed", "error", err.Error())
			out.DonorErr = "lookup failed"
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, out)
}

// ShareLinkRequest is the body of a share-link creation.
type ShareLinkRequest struct {
	Config   json.RawMessage `json:"config"`
	TTLHours int             `json:"ttl_hours,omitempty"`
}

// ShareLinkResponse points at the new shared view.
type ShareLinkResponse struct {
	Token     string     `json:"token"`
	Path      string     `json:"path"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateShareLink stores a dashboard configuration under a fresh token.
//
//	POST /api/v1/analytics/share-link
func (h *Handlers) CreateShareLink(w http.ResponseWriter, r *http.Request) {
	if h.shares == nil {
		unavailable(w, "sharing")
		return
	}
	sub, err := auth.Subject(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	var req ShareLinkRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TTLHours < 0 {
		httputil.FromError(w, apperr.Validation("ttl_hours must not be negative"))
		return
	}
	view, err := h.shares.Create(r.Context(), sub, req.Config, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, ShareLinkResponse{
		Token:     view.Token,
		Path:      "/api/v1/analytics/share/" + view.Token,
		ExpiresAt: view.ExpiresAt,
	})
}

// GetSharedView resolves a token. No authentication.
//
//	GET /api/v1/analytics/share/{token}
func (h *Handlers) GetSharedView(w http.ResponseWriter, r *http.Request) {
	if h.shares == nil {
		unavailable(w, "sharing")
		return
	}
	view, err := h.shares.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, view)
}
