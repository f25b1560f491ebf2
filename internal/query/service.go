package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Service is the federated read API. Each operation tries the primary
// backend and, on any failure other than bad input, retries the same
// operation on the fallback.
type Service struct {
	primary  Backend
	fallback Backend
	loc      *time.Location
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a query service. primary may be nil when no warehouse
// is configured; reads then go straight to the fallback.
func NewService(primary, fallback Backend, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		loc:      loc,
		log:      logger.With("component", "query"),
		now:      time.Now,
	}
}

// Location returns the display timezone.
func (s *Service) Location() *time.Location { return s.loc }

func call[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context, b Backend) (T, error)) (T, error) {
	var zero T
	var primaryErr error
	if s.primary != nil {
		v, err := fn(ctx, s.primary)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, apperr.ErrValidation) {
			return zero, err
		}
		primaryErr = err
		if s.fallback == nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return zero, err
			}
			return zero, fmt.Errorf("%s: %w: %v", op, apperr.ErrSORUnavailable, err)
		}
		if errors.Is(err, apperr.ErrNotFound) {
			s.log.Debug("primary backend has no match, asking fallback", "op", op)
		} else {
			s.log.Warn("primary backend failed, falling back",
				"op", op, "backend", s.primary.Name(), "fallback", s.fallback.Name(), "error", err)
		}
	}
	if s.fallback == nil {
		return zero, fmt.Errorf("%s: %w: no backend configured", op, apperr.ErrSORUnavailable)
	}

	v, err := fn(ctx, s.fallback)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrNotFound) {
		return zero, err
	}
	if primaryErr != nil && errors.Is(primaryErr, apperr.ErrNotFound) {
		return zero, primaryErr
	}
	s.log.Error("all backends failed", "op", op, "error", err, "primary_error", primaryErr)
	return zero, fmt.Errorf("%s: %w: primary: %v; fallback: %v", op, apperr.ErrSORUnavailable, primaryErr, err)
}

// DailySummaries returns per-day totals in ascending date order. Days with
// no donations are omitted.
func (s *Service) DailySummaries(ctx context.Context, r DateRange) ([]domain.DailySummary, error) {
	if !r.Closed() {
		return nil, apperr.Validation("start_date and end_date are required")
	}
	return call(ctx, s, "daily_summaries", func(ctx context.Context, b Backend) ([]domain.DailySummary, error) {
		return b.DailySummaries(ctx, r)
	})
}

// TopDonors ranks donors with at least one email by total given.
func (s *Service) TopDonors(ctx context.Context, limit int) ([]domain.TopDonor, error) {
	if limit < 1 || limit > MaxTopDonors {
		return nil, apperr.Validation("limit must be between 1 and %d", MaxTopDonors)
	}
	return call(ctx, s, "top_donors", func(ctx context.Context, b Backend) ([]domain.TopDonor, error) {
		return b.TopDonors(ctx, limit)
	})
}

// SourceBreakdown groups totals by canonical source.
func (s *Service) SourceBreakdown(ctx context.Context, r DateRange) (domain.SourceBreakdown, error) {
	return call(ctx, s, "source_breakdown", func(ctx context.Context, b Backend) (domain.SourceBreakdown, error) {
		raw, err := b.SourceTotals(ctx, r)
		if err != nil {
			return domain.SourceBreakdown{}, err
		}
		return buildBreakdown(raw), nil
	})
}

// Sources lists the distinct campaign source tags.
func (s *Service) Sources(ctx context.Context) ([]string, error) {
	return call(ctx, s, "sources", func(ctx context.Context, b Backend) ([]string, error) {
		return b.Sources(ctx)
	})
}

// CampaignsBySource lists the campaigns tagged with source.
func (s *Service) CampaignsBySource(ctx context.Context, source string) ([]domain.CampaignRef, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, apperr.Validation("source is required")
	}
	return call(ctx, s, "campaigns_by_source", func(ctx context.Context, b Backend) ([]domain.CampaignRef, error) {
		return b.CampaignsBySource(ctx, source)
	})
}

// FormTitles lists the form titles of a campaign.
func (s *Service) FormTitles(ctx context.Context, campaignID string) ([]domain.FormTitleRef, error) {
	if strings.TrimSpace(campaignID) == "" {
		return nil, apperr.Validation("campaign_id is required")
	}
	return call(ctx, s, "form_titles", func(ctx context.Context, b Backend) ([]domain.FormTitleRef, error) {
		return b.FormTitles(ctx, campaignID)
	})
}

// SourceStats aggregates a source per campaign.
func (s *Service) SourceStats(ctx context.Context, source string, r DateRange) (domain.Stats, error) {
	if strings.TrimSpace(source) == "" {
		return domain.Stats{}, apperr.Validation("source is required")
	}
	return call(ctx, s, "source_stats", func(ctx context.Context, b Backend) (domain.Stats, error) {
		groups, err := b.SourceStats(ctx, source, r)
		if err != nil {
			return domain.Stats{}, err
		}
		return statsFromGroups(groups), nil
	})
}

// CampaignStats aggregates a campaign per form title.
func (s *Service) CampaignStats(ctx context.Context, campaignID string, r DateRange, formTitleIDs []string) (domain.Stats, error) {
	if strings.TrimSpace(campaignID) == "" {
		return domain.Stats{}, apperr.Validation("campaign_id is required")
	}
	return call(ctx, s, "campaign_stats", func(ctx context.Context, b Backend) (domain.Stats, error) {
		groups, err := b.CampaignStats(ctx, campaignID, r, formTitleIDs)
		if err != nil {
			return domain.Stats{}, err
		}
		return statsFromGroups(groups), nil
	})
}

// CampaignDonations pages through a campaign's donations, newest first.
func (s *Service) CampaignDonations(ctx context.Context, campaignID string, p Page) (domain.DonationPage, error) {
	if err := checkPage(p); err != nil {
		return domain.DonationPage{}, err
	}
	return call(ctx, s, "campaign_donations", func(ctx context.Context, b Backend) (domain.DonationPage, error) {
		return b.CampaignDonations(ctx, campaignID, p)
	})
}

// SourceDonations pages through a source's donations, newest first.
func (s *Service) SourceDonations(ctx context.Context, source string, p Page) (domain.DonationPage, error) {
	if err := checkPage(p); err != nil {
		return domain.DonationPage{}, err
	}
	return call(ctx, s, "source_donations", func(ctx context.Context, b Backend) (domain.DonationPage, error) {
		return b.SourceDonations(ctx, source, p)
	})
}

// FormTitleDonations pages through the donations of a set of form titles.
func (s *Service) FormTitleDonations(ctx context.Context, formTitleIDs []string, p Page) (domain.DonationPage, error) {
	if err := checkPage(p); err != nil {
		return domain.DonationPage{}, err
	}
	ids := make([]string, 0, len(formTitleIDs))
	for _, id := range formTitleIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.DonationPage{}, apperr.Validation("form_title_ids must not be empty")
	}
	return call(ctx, s, "form_title_donations", func(ctx context.Context, b Backend) (domain.DonationPage, error) {
		return b.FormTitleDonations(ctx, ids, p)
	})
}

// DonorByEmail finds the donor whose email set contains email.
func (s *Service) DonorByEmail(ctx context.Context, email string) (*domain.DonorDetail, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Validation("invalid email %q", email)
	}
	return call(ctx, s, "donor_by_email", func(ctx context.Context, b Backend) (*domain.DonorDetail, error) {
		return b.DonorByEmail(ctx, email)
	})
}

// GlanceMetrics returns today's, this month's and all-time totals in the
// display timezone.
func (s *Service) GlanceMetrics(ctx context.Context) (domain.GlanceMetrics, error) {
	today := s.now().In(s.loc).Format(DateLayout)
	month := DateRange{Start: today[:8] + "01", End: today}

	return call(ctx, s, "glance_metrics", func(ctx context.Context, b Backend) (domain.GlanceMetrics, error) {
		var g domain.GlanceMetrics
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			var err error
			g.TodayAmount, g.TodayCount, err = b.Totals(ctx, DateRange{Start: today, End: today})
			return err
		})
		eg.Go(func() error {
			var err error
			g.MonthAmount, g.MonthCount, err = b.Totals(ctx, month)
			return err
		})
		eg.Go(func() error {
			var err error
			g.AllTimeTotal, _, err = b.Totals(ctx, DateRange{})
			return err
		})
		if err := eg.Wait(); err != nil {
			return domain.GlanceMetrics{}, err
		}
		return g, nil
	})
}

func checkPage(p Page) error {
	_, err := NewPage(p.Size, p.Offset)
	return err
}
