package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/maillookup"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/distlock"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/And03-11/animal-rescue-dashboard/internal/query"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/And03-11/animal-rescue-dashboard/internal/syncer"
)

// Reader is the read side of the dashboard. *query.Service implements it.
type Reader interface {
	DailySummaries(ctx context.Context, r query.DateRange) ([]domain.DailySummary, error)
	TopDonors(ctx context.Context, limit int) ([]domain.TopDonor, error)
	SourceBreakdown(ctx context.Context, r query.DateRange) (domain.SourceBreakdown, error)
	GlanceMetrics(ctx context.Context) (domain.GlanceMetrics, error)
	Sources(ctx context.Context) ([]string, error)
	CampaignsBySource(ctx context.Context, source string) ([]domain.CampaignRef, error)
	FormTitles(ctx context.Context, campaignID string) ([]domain.FormTitleRef, error)
	SourceStats(ctx context.Context, source string, r query.DateRange) (domain.Stats, error)
	CampaignStats(ctx context.Context, campaignID string, r query.DateRange, formTitleIDs []string) (domain.Stats, error)
	CampaignDonations(ctx context.Context, campaignID string, p query.Page) (domain.DonationPage, error)
	SourceDonations(ctx context.Context, source string, p query.Page) (domain.DonationPage, error)
	FormTitleDonations(ctx context.Context, formTitleIDs []string, p query.Page) (domain.DonationPage, error)
	DonorByEmail(ctx context.Context, email string) (*domain.DonorDetail, error)
}

// Campaigns manages sender campaigns. *sender.Worker implements it.
type Campaigns interface {
	Create(ctx context.Context, req sender.NewCampaign, createdBy string) (*domain.ScheduledCampaign, error)
	Launch(ctx context.Context, id string, at time.Time) (*domain.ScheduledCampaign, error)
	Campaigns(ctx context.Context) ([]domain.ScheduledCampaign, error)
	Campaign(ctx context.Context, id string) (*domain.ScheduledCampaign, error)
}

// Identities lists sender identities. *credentials.Manager implements it.
type Identities interface {
	Identities() ([]domain.SenderIdentity, error)
}

// Shares creates and resolves shared views. *share.Service implements it.
type Shares interface {
	Create(ctx context.Context, principal string, config json.RawMessage, ttl time.Duration) (*domain.SharedView, error)
	Get(ctx context.Context, token string) (*domain.SharedView, error)
}

// Searcher is the unified contact search. *maillookup.Searcher implements it.
type Searcher interface {
	Search(ctx context.Context, email string) (*maillookup.SearchResult, error)
}

// SyncRunner runs one incremental sync. *syncer.Engine implements it.
type SyncRunner interface {
	Run(ctx context.Context) *syncer.Report
}

// Publisher pushes events to live clients. *EventHub implements it.
type Publisher interface {
	Publish(ev Event)
}

// Deps are the collaborators of the HTTP handlers. Nil optional members
// turn their routes into 503s.
type Deps struct {
	Reader     Reader
	Campaigns  Campaigns
	Identities Identities
	Shares     Shares
	Searcher   Searcher
	Sync       SyncRunner
	Events     Publisher
	// Locks serializes manual sync runs with the scheduled job.
	Locks distlock.Factory
	// SyncTTL is the lease on a manual run, renewed while it lasts.
	SyncTTL time.Duration
}

// Handlers contains all HTTP handlers
type Handlers struct {
	reader     Reader
	campaigns  Campaigns
	identities Identities
	shares     Shares
	searcher   Searcher
	sync       SyncRunner
	events     Publisher
	locks      distlock.Factory
	syncTTL    time.Duration
	now        func() time.Time
	log        *logger.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(d Deps) *Handlers {
	if d.SyncTTL <= 0 {
		d.SyncTTL = 2 * time.Minute
	}
	if d.Locks == nil {
		d.Locks = distlock.NewFactory(nil, nil)
	}
	return &Handlers{
		reader:     d.Reader,
		campaigns:  d.Campaigns,
		identities: d.Identities,
		shares:     d.Shares,
		searcher:   d.Searcher,
		sync:       d.Sync,
		events:     d.Events,
		locks:      d.Locks,
		syncTTL:    d.SyncTTL,
		now:        time.Now,
		log:        logger.With("component", "api"),
	}
}

func (h *Handlers) publish(kind string, data any) {
	if h.events == nil {
		return
	}
	ev, err := NewEvent(kind, data, h.now())
	if err != nil {
		h.log.Warn("event not published", "type", kind, "error", err.Error())
		return
	}
	h.events.Publish(ev)
}

func unavailable(w http.ResponseWriter, what string) {
	httputil.JSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: what + " is not configured", Code: "not_configured"})
}
