// Package sender drains scheduled email campaigns through the Gmail sender
// pool.
//
// A tick claims every due campaign (Scheduled → Sending, exactly once across
// replicas), loads its recipients, subtracts the campaign's sent log and
// stripes the remainder round-robin over the selected identities. Every
// successful send is appended to the sent log before the next one starts, so
// a killed worker resumes where it stopped.
package sender

import (
	"context"
	"errors"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
)

// ErrInvalidTransition is returned when a campaign is not in the state an
// operation requires.
var ErrInvalidTransition = errors.New("invalid campaign state transition")

// CampaignStore is the persistence capability the worker consumes. The
// warehouse-backed and the legacy file-backed stores both implement it.
type CampaignStore interface {
	// ClaimDue atomically moves every Scheduled campaign with
	// scheduled_at <= now to Sending and returns only the ones this caller
	// won, oldest first.
	ClaimDue(ctx context.Context, now time.Time) ([]domain.ScheduledCampaign, error)
	// ListInFlight returns campaigns left in Sending.
	ListInFlight(ctx context.Context) ([]domain.ScheduledCampaign, error)
	List(ctx context.Context) ([]domain.ScheduledCampaign, error)
	Get(ctx context.Context, id string) (*domain.ScheduledCampaign, error)
	Create(ctx context.Context, c *domain.ScheduledCampaign) error
	// Schedule moves a Draft campaign to Scheduled at the given time.
	Schedule(ctx context.Context, id string, at time.Time) error
	SetTargetCount(ctx context.Context, id string, n int) error
	MarkCompleted(ctx context.Context, id string, sentCount int, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error

	// SentEmails returns the lowercased addresses already delivered.
	SentEmails(ctx context.Context, id string) (map[string]struct{}, error)
	// AppendSent durably records one delivery. It reports false when the
	// address was already logged for the campaign.
	AppendSent(ctx context.Context, e domain.SentLogEntry) (bool, error)
}
