package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/auth"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/go-chi/chi/v5"
)

// CreateSenderCampaign stores a new campaign as Draft, or Scheduled when
// scheduled_at is present.
//
//	POST /api/v1/send-email/sender/campaigns
func (h *Handlers) CreateSenderCampaign(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		unavailable(w, "sender")
		return
	}
	sub, err := auth.Subject(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	var req sender.NewCampaign
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), req, sub)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	h.publish("campaign_created", campaignEvent(c))
	httputil.Created(w, c)
}

// LaunchRequest optionally delays the launch.
type LaunchRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// LaunchSenderCampaign moves a Draft campaign to Scheduled. Without a body
// the campaign is due immediately and the next worker tick claims it.
//
//	POST /api/v1/send-email/sender/campaigns/{id}/launch
func (h *Handlers) LaunchSenderCampaign(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		unavailable(w, "sender")
		return
	}
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	var at time.Time
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	c, err := h.campaigns.Launch(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	h.publish("campaign_scheduled", campaignEvent(c))
	httputil.OK(w, c)
}

// ListSenderCampaigns lists every campaign, newest first.
//
//	GET /api/v1/send-email/sender/campaigns
func (h *Handlers) ListSenderCampaigns(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		unavailable(w, "sender")
		return
	}
	list, err := h.campaigns.Campaigns(r.Context())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if list == nil {
		list = []domain.ScheduledCampaign{}
	}
	httputil.OK(w, map[string]interface{}{"campaigns": list, "total": len(list)})
}

// GetSenderCampaign returns one campaign.
//
//	GET /api/v1/send-email/sender/campaigns/{id}
func (h *Handlers) GetSenderCampaign(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		unavailable(w, "sender")
		return
	}
	c, err := h.campaigns.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListSenderIdentities lists discovered identities grouped by folder.
//
//	GET /api/v1/send-email/sender/identities
func (h *Handlers) ListSenderIdentities(w http.ResponseWriter, r *http.Request) {
	if h.identities == nil {
		unavailable(w, "sender identities")
		return
	}
	ids, err := h.identities.Identities()
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if ids == nil {
		ids = []domain.SenderIdentity{}
	}
	groups := make(map[string][]domain.SenderIdentity)
	for _, id := range ids {
		groups[id.Group] = append(groups[id.Group], id)
	}
	httputil.OK(w, map[string]interface{}{"identities": ids, "groups": groups, "total": len(ids)})
}

func campaignEvent(c *domain.ScheduledCampaign) map[string]interface{} {
	ev := map[string]interface{}{"id": c.ID, "name": c.Name, "state": c.State}
	if c.ScheduledAt != nil {
		ev["scheduled_at"] = c.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return ev
}
