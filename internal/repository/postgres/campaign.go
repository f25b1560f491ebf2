package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/google/uuid"
)

// QueryTimeout bounds each statement the stores issue.
const QueryTimeout = 10 * time.Second

// CampaignStore implements sender.CampaignStore against the warehouse.
type CampaignStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewCampaignStore creates a Postgres-backed campaign store.
func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db, timeout: QueryTimeout}
}

var _ sender.CampaignStore = (*CampaignStore)(nil)

const campaignColumns = `
	id, name, subject, html_body, recipients, sender_pool, state, scheduled_at,
	target_count, sent_count_final, COALESCE(failure_reason, ''), created_by,
	created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(s scanner) (*domain.ScheduledCampaign, error) {
	var (
		c                                   domain.ScheduledCampaign
		recipients, pool                    []byte
		state                               string
		scheduledAt, startedAt, completedAt sql.NullTime
		sentFinal                           sql.NullInt64
	)
	if err := s.Scan(
		&c.ID, &c.Name, &c.Subject, &c.HTMLBody, &recipients, &pool, &state, &scheduledAt,
		&c.TargetCount, &sentFinal, &c.FailureReason, &c.CreatedBy,
		&c.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(pool, &c.SenderPool); err != nil {
		return nil, fmt.Errorf("decode sender pool of %s: %w", c.ID, err)
	}
	c.State = domain.CampaignState(state)
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	if sentFinal.Valid {
		n := int(sentFinal.Int64)
		c.SentCountFinal = &n
	}
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// ClaimDue reads due campaigns, then claims each with a conditional update.
// A row whose state changed between the read and the update affects zero
// rows and is left to whoever won it.
func (s *CampaignStore) ClaimDue(ctx context.Context, now time.Time) ([]domain.ScheduledCampaign, error) {
	ids, err := s.dueIDs(ctx, now)
	if err != nil {
		return nil, err
	}

	var claimed []domain.ScheduledCampaign
	for _, id := range ids {
		won, err := s.claim(ctx, id, now)
		if err != nil {
			return claimed, err
		}
		if !won {
			continue
		}
		c, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *c)
	}
	return claimed, nil
}

func (s *CampaignStore) dueIDs(ctx context.Context, now time.Time) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id FROM scheduled_campaigns
		WHERE state = 'Scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("find due campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find due campaigns: %w", err)
	}
	return ids, nil
}

// claim reports whether this caller moved id from Scheduled to Sending.
func (s *CampaignStore) claim(ctx context.Context, id string, now time.Time) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `
		UPDATE scheduled_campaigns
		SET state = 'Sending', started_at = $2
		WHERE id = $1 AND state = 'Scheduled'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim campaign %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim campaign %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *CampaignStore) ListInFlight(ctx context.Context) ([]domain.ScheduledCampaign, error) {
	return s.list(ctx, `SELECT `+campaignColumns+` FROM scheduled_campaigns WHERE state = 'Sending' ORDER BY scheduled_at ASC`)
}

func (s *CampaignStore) List(ctx context.Context) ([]domain.ScheduledCampaign, error) {
	return s.list(ctx, `SELECT `+campaignColumns+` FROM scheduled_campaigns ORDER BY created_at DESC`)
}

func (s *CampaignStore) list(ctx context.Context, q string) ([]domain.ScheduledCampaign, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, q)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledCampaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *CampaignStore) Get(ctx context.Context, id string) (*domain.ScheduledCampaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("campaign " + id)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c, err := scanCampaign(s.db.QueryRowContext(queryCtx,
		`SELECT `+campaignColumns+` FROM scheduled_campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("campaign " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *CampaignStore) Create(ctx context.Context, c *domain.ScheduledCampaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return err
	}
	pool, err := json.Marshal(c.SenderPool)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.db.ExecContext(queryCtx, `
		INSERT INTO scheduled_campaigns
			(id, name, subject, html_body, recipients, sender_pool, state,
			 scheduled_at, target_count, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.Name, c.Subject, c.HTMLBody, string(recipients), string(pool), string(c.State),
		c.ScheduledAt, c.TargetCount, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (s *CampaignStore) Schedule(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, domain.StateScheduled, `
		UPDATE scheduled_campaigns SET state = 'Scheduled', scheduled_at = $2
		WHERE id = $1 AND state = 'Draft'
	`, id, at)
}

func (s *CampaignStore) SetTargetCount(ctx context.Context, id string, n int) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx, `UPDATE scheduled_campaigns SET target_count = $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("set target count: %w", err)
	}
	return nil
}

func (s *CampaignStore) MarkCompleted(ctx context.Context, id string, sentCount int, at time.Time) error {
	return s.transition(ctx, id, domain.StateCompleted, `
		UPDATE scheduled_campaigns
		SET state = 'Completed', sent_count_final = $2, completed_at = $3
		WHERE id = $1 AND state = 'Sending'
	`, id, sentCount, at)
}

func (s *CampaignStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.transition(ctx, id, domain.StateFailed, `
		UPDATE scheduled_campaigns
		SET state = 'Failed', failure_reason = $2, completed_at = $3
		WHERE id = $1 AND state = 'Sending'
	`, id, reason, at)
}

// transition runs a state-guarded update. Zero affected rows means the
// campaign is missing or in the wrong state; the error says which.
func (s *CampaignStore) transition(ctx context.Context, id string, to domain.CampaignState, q string, args ...interface{}) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.NotFound("campaign " + id)
	}
	n, err := s.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("move campaign %s to %s: %w", id, to, err)
	}
	if n == 1 {
		return nil
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := sender.CheckTransition(c, to); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s changed state concurrently", sender.ErrInvalidTransition, id)
}

// exec runs one statement under the query timeout and returns the rows it
// touched.
func (s *CampaignStore) exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *CampaignStore) SentEmails(ctx context.Context, id string) (map[string]struct{}, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, `SELECT lower(email) FROM sent_logs WHERE campaign_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load sent log: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan sent log: %w", err)
		}
		out[email] = struct{}{}
	}
	return out, rows.Err()
}

// AppendSent commits one entry. The unique (campaign_id, lower(email)) index
// turns a repeat into a no-op.
func (s *CampaignStore) AppendSent(ctx context.Context, e domain.SentLogEntry) (bool, error) {
	n, err := s.exec(ctx, `
		INSERT INTO sent_logs (campaign_id, email, sent_at)
		VALUES ($1, lower($2), $3)
		ON CONFLICT (campaign_id, lower(email)) DO NOTHING
	`, e.CampaignID, e.Email, e.Timestamp)
	if err != nil {
		return false, fmt.Errorf("append sent log: %w", err)
	}
	return n == 1, nil
}
