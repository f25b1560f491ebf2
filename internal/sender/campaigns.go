package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/google/uuid"
)

// NewCampaign is the create request for a sender campaign.
type NewCampaign struct {
	Name        string                 `json:"name"`
	Subject     string                 `json:"subject"`
	HTMLBody    string                 `json:"html_body"`
	Recipients  domain.RecipientSource `json:"recipients"`
	SenderPool  domain.SenderPool      `json:"sender_pool"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
}

// Create validates and stores a campaign. It starts in Draft, or in
// Scheduled when a time is given.
func (w *Worker) Create(ctx context.Context, req NewCampaign, createdBy string) (*domain.ScheduledCampaign, error) {
	if err := w.validate(req); err != nil {
		return nil, err
	}
	c := &domain.ScheduledCampaign{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(req.Name),
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		Recipients: req.Recipients,
		SenderPool: req.SenderPool,
		State:      domain.StateDraft,
		CreatedBy:  createdBy,
		CreatedAt:  w.now().UTC(),
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.State = domain.StateScheduled
	}
	if err := w.store.Create(ctx, c); err != nil {
		return nil, err
	}
	w.log.Info("campaign created", "campaign_id", c.ID, "state", string(c.State), "source", describeSource(c.Recipients))
	return c, nil
}

// Launch schedules a Draft campaign at at, or now when at is zero.
func (w *Worker) Launch(ctx context.Context, id string, at time.Time) (*domain.ScheduledCampaign, error) {
	if at.IsZero() {
		at = w.now()
	}
	if err := w.store.Schedule(ctx, id, at.UTC()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, apperr.Validation("campaign %s cannot be launched: %v", id, err)
		}
		return nil, err
	}
	w.log.Info("campaign launched", "campaign_id", id, "scheduled_at", at.UTC().Format(time.RFC3339))
	return w.store.Get(ctx, id)
}

// Campaigns lists every campaign, newest first as the store returns them.
func (w *Worker) Campaigns(ctx context.Context) ([]domain.ScheduledCampaign, error) {
	return w.store.List(ctx)
}

// Campaign returns one campaign.
func (w *Worker) Campaign(ctx context.Context, id string) (*domain.ScheduledCampaign, error) {
	return w.store.Get(ctx, id)
}

func (w *Worker) validate(req NewCampaign) error {
	if strings.TrimSpace(req.Subject) == "" {
		return apperr.Validation("subject is required")
	}
	if strings.TrimSpace(req.HTMLBody) == "" {
		return apperr.Validation("html_body is required")
	}
	for field, src := range map[string]string{"subject": req.Subject, "html_body": req.HTMLBody} {
		if err := w.render.Parse(src); err != nil {
			return apperr.Validation("%s: %v", field, err)
		}
	}
	if req.SenderPool.IsEmpty() {
		return apperr.Validation("sender_pool needs a group or identity ids")
	}
	switch req.Recipients.Kind {
	case domain.SourceCSV:
		if req.Recipients.CSV == nil || strings.TrimSpace(req.Recipients.CSV.Location) == "" {
			return apperr.Validation("recipients.csv.location is required")
		}
	case domain.SourceSelection:
	default:
		return apperr.Validation("recipients.kind must be %q or %q", domain.SourceCSV, domain.SourceSelection)
	}
	return nil
}

// CheckTransition returns ErrInvalidTransition when c cannot move to to.
func CheckTransition(c *domain.ScheduledCampaign, to domain.CampaignState) error {
	if !domain.CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	return nil
}
