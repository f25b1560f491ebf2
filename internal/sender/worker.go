package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/credentials"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/distlock"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
)

// Mailer is one sender identity as seen by the worker.
type Mailer interface {
	ID() string
	Email() string
	Send(ctx context.Context, msg credentials.Message) error
}

// IdentityPool resolves a campaign's sender pool into an ordered list of
// distinct identities.
type IdentityPool interface {
	Select(ctx context.Context, pool domain.SenderPool) ([]Mailer, error)
}

// CredentialPool adapts a credentials.Manager to IdentityPool.
type CredentialPool struct {
	Manager *credentials.Manager
}

// Select implements IdentityPool.
func (p CredentialPool) Select(ctx context.Context, pool domain.SenderPool) ([]Mailer, error) {
	senders, err := p.Manager.Select(ctx, credentials.SelectorFor(pool))
	if err != nil {
		return nil, err
	}
	out := make([]Mailer, len(senders))
	for i, s := range senders {
		out[i] = s
	}
	return out, nil
}

// Options tunes a Worker.
type Options struct {
	// FromName is the display name on outgoing mail.
	FromName string
	// Locks guards each drain across replicas. Nil disables the guard, and
	// with it the per-tick pickup of campaigns left in Sending.
	Locks distlock.Factory
	// LockTTL is the lease on a campaign lock. It is renewed while the drain
	// runs, so it only bounds how long a crashed worker blocks the campaign.
	LockTTL time.Duration
}

// DefaultLockTTL is the campaign lease when Options.LockTTL is unset.
const DefaultLockTTL = 2 * time.Minute

// DrainResult summarizes one campaign pass.
type DrainResult struct {
	CampaignID string              `json:"campaign_id"`
	State      domain.CampaignState `json:"state"`
	Targets    int                 `json:"targets"`
	Sent       int                 `json:"sent"`
	Failed     int                 `json:"failed"`
	Skipped    int                 `json:"skipped"`
}

// Worker claims and drains campaigns.
type Worker struct {
	store      CampaignStore
	recipients RecipientLoader
	pool       IdentityPool
	pacer      Pacer
	render     *Renderer
	locks      distlock.Factory
	lockTTL    time.Duration
	fromName   string
	log        *logger.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewWorker wires a worker. A nil pacer means no waits.
func NewWorker(store CampaignStore, recipients RecipientLoader, pool IdentityPool, pacer Pacer, opts Options) *Worker {
	if pacer == nil {
		pacer = NoPacer{}
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Worker{
		store:      store,
		recipients: recipients,
		pool:       pool,
		pacer:      pacer,
		render:     NewRenderer(),
		locks:      opts.Locks,
		lockTTL:    ttl,
		fromName:   opts.FromName,
		log:        logger.With("component", "sender"),
		now:        time.Now,
		active:     make(map[string]struct{}),
	}
}

// Tick claims every due campaign and drains each in claim order. With locks
// configured it then picks up campaigns still in Sending whose previous
// drainer is gone; a live drainer keeps its lease and is skipped. Drain
// errors are logged; only a failed claim is returned.
func (w *Worker) Tick(ctx context.Context) ([]DrainResult, error) {
	claimed, err := w.store.ClaimDue(ctx, w.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim due campaigns: %w", err)
	}
	if len(claimed) > 0 {
		w.log.Info("claimed campaigns", "count", len(claimed))
	}
	results := w.drainAll(ctx, claimed)
	if w.locks == nil || ctx.Err() != nil {
		return results, nil
	}
	resumed, err := w.Resume(ctx)
	if err != nil {
		w.log.Warn("in-flight pickup failed", "error", err.Error())
	}
	return append(results, resumed...), nil
}

// Resume drains campaigns left in Sending by a process that stopped
// mid-drain. Workers call it at startup, and Tick calls it on every pass
// when drains are lock-guarded.
func (w *Worker) Resume(ctx context.Context) ([]DrainResult, error) {
	inflight, err := w.store.ListInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in-flight campaigns: %w", err)
	}
	if len(inflight) > 0 {
		w.log.Debug("in-flight campaigns", "count", len(inflight))
	}
	return w.drainAll(ctx, inflight), nil
}

func (w *Worker) drainAll(ctx context.Context, campaigns []domain.ScheduledCampaign) []DrainResult {
	var results []DrainResult
	for i := range campaigns {
		if ctx.Err() != nil {
			break
		}
		res, err := w.drainGuarded(ctx, &campaigns[i])
		if err != nil {
			w.log.Error("campaign drain failed", "campaign_id", campaigns[i].ID, "error", err.Error())
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

// drainGuarded refuses re-entry within this process and, when locks are
// configured, across replicas.
func (w *Worker) drainGuarded(ctx context.Context, c *domain.ScheduledCampaign) (*DrainResult, error) {
	w.mu.Lock()
	if _, busy := w.active[c.ID]; busy {
		w.mu.Unlock()
		w.log.Debug("campaign already draining", "campaign_id", c.ID)
		return nil, nil
	}
	w.active[c.ID] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, c.ID)
		w.mu.Unlock()
	}()

	if w.locks == nil {
		return w.drain(ctx, c)
	}
	var res *DrainResult
	ran, err := distlock.WithLease(ctx, w.locks("sender:campaign:"+c.ID, w.lockTTL), w.lockTTL, func(ctx context.Context) error {
		var derr error
		res, derr = w.drain(ctx, c)
		return derr
	})
	if err != nil {
		return res, err
	}
	if !ran {
		w.log.Debug("campaign held by another worker", "campaign_id", c.ID)
	}
	return res, nil
}

// drain sends the campaign to every recipient not yet in its sent log. On
// cancellation the campaign stays in Sending and a later Resume continues it.
func (w *Worker) drain(ctx context.Context, c *domain.ScheduledCampaign) (*DrainResult, error) {
	log := w.log.With("campaign_id", c.ID)
	res := &DrainResult{CampaignID: c.ID, State: domain.StateSending}

	recipients, err := w.recipients.Load(ctx, c.Recipients)
	if err != nil {
		return w.fail(ctx, res, fmt.Sprintf("load recipients from %s: %v", describeSource(c.Recipients), err))
	}
	res.Targets = len(recipients)
	if err := w.store.SetTargetCount(ctx, c.ID, len(recipients)); err != nil {
		log.Warn("record target count failed", "error", err.Error())
	}

	sent, err := w.store.SentEmails(ctx, c.ID)
	if err != nil {
		return res, fmt.Errorf("load sent log: %w", err)
	}
	remaining := Remaining(recipients, sent)
	log.Info("draining campaign", "targets", len(recipients), "already_sent", len(recipients)-len(remaining), "remaining", len(remaining))

	if len(remaining) > 0 {
		senders, err := w.pool.Select(ctx, c.SenderPool)
		if err != nil {
			return w.fail(ctx, res, fmt.Sprintf("select sender identities: %v", err))
		}
		if len(senders) == 0 {
			return w.fail(ctx, res, "no sender identities available")
		}
		if err := w.sendStripes(ctx, c, senders, Partition(remaining, len(senders)), res); err != nil {
			return res, err
		}
	}

	final, err := w.store.SentEmails(ctx, c.ID)
	if err != nil {
		return res, fmt.Errorf("count sent log: %w", err)
	}
	if err := w.store.MarkCompleted(ctx, c.ID, len(final), w.now().UTC()); err != nil {
		return res, fmt.Errorf("mark completed: %w", err)
	}
	res.State = domain.StateCompleted
	log.Info("campaign completed", "sent_count_final", len(final), "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

func (w *Worker) sendStripes(ctx context.Context, c *domain.ScheduledCampaign, senders []Mailer, stripes [][]domain.Recipient, res *DrainResult) error {
	log := w.log.With("campaign_id", c.ID)
	started := false
	for i, s := range senders {
		stripe := stripes[i]
		if len(stripe) == 0 {
			continue
		}
		if started {
			if err := w.pacer.BetweenIdentities(ctx); err != nil {
				return err
			}
		}
		started = true

		for j, r := range stripe {
			if j > 0 {
				if err := w.pacer.BetweenMessages(ctx); err != nil {
					return err
				}
			}
			err := w.sendOne(ctx, c, s, r)
			if errors.Is(err, credentials.ErrIdentityUnavailable) {
				res.Skipped += len(stripe) - j
				log.Warn("sender identity unavailable, skipping its stripe", "identity", s.ID(), "unsent", len(stripe)-j, "error", err.Error())
				break
			}
			if errors.Is(err, errSentLogWrite) {
				return err
			}
			if err != nil {
				res.Failed++
				log.Warn("send failed", "identity", s.ID(), "email", r.Email, "error", err.Error())
				continue
			}
			res.Sent++
		}
	}
	return nil
}

var errSentLogWrite = errors.New("sent log write failed")

func (w *Worker) sendOne(ctx context.Context, c *domain.ScheduledCampaign, s Mailer, r domain.Recipient) error {
	subject, err := w.render.Render(c.Subject, r.Name, r.Email)
	if err != nil {
		return err
	}
	body, err := w.render.Render(c.HTMLBody, r.Name, r.Email)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, credentials.Message{
		To:       r.Email,
		ToName:   r.Name,
		FromName: w.fromName,
		Subject:  subject,
		HTML:     body,
	}); err != nil {
		return err
	}

	// The message is out; the log entry must land before the next send.
	if _, err := w.store.AppendSent(context.WithoutCancel(ctx), domain.SentLogEntry{
		Email:      normalizeKey(r.Email),
		CampaignID: c.ID,
		Timestamp:  w.now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", errSentLogWrite, r.Email, err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, res *DrainResult, reason string) (*DrainResult, error) {
	w.log.Warn("campaign failed", "campaign_id", res.CampaignID, "reason", reason)
	if err := w.store.MarkFailed(context.WithoutCancel(ctx), res.CampaignID, reason, w.now().UTC()); err != nil {
		return res, fmt.Errorf("mark failed: %w", err)
	}
	res.State = domain.StateFailed
	return res, nil
}

func normalizeKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
