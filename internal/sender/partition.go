package sender

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
)

// Partition stripes recipients over n identities: recipient i goes to stripe
// i mod n. Stripe sizes differ by at most one and order within a stripe
// follows the input.
func Partition(recipients []domain.Recipient, n int) [][]domain.Recipient {
	if n <= 0 {
		return nil
	}
	stripes := make([][]domain.Recipient, n)
	for i, r := range recipients {
		stripes[i%n] = append(stripes[i%n], r)
	}
	return stripes
}

// Remaining filters out recipients whose lowercased email is in sent.
func Remaining(recipients []domain.Recipient, sent map[string]struct{}) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if _, done := sent[normalizeKey(r.Email)]; !done {
			out = append(out, r)
		}
	}
	return out
}

// Pacer spaces out sends. Both waits return early with ctx.Err() on
// cancellation.
type Pacer interface {
	BetweenMessages(ctx context.Context) error
	BetweenIdentities(ctx context.Context) error
}

// RandomPacer sleeps a uniformly random duration within each window.
type RandomPacer struct {
	JitterMin, JitterMax time.Duration
	PauseMin, PauseMax   time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPacer returns a pacer with the given windows.
func NewRandomPacer(jitterMin, jitterMax, pauseMin, pauseMax time.Duration) *RandomPacer {
	return &RandomPacer{
		JitterMin: jitterMin,
		JitterMax: jitterMax,
		PauseMin:  pauseMin,
		PauseMax:  pauseMax,
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// BetweenMessages implements Pacer.
func (p *RandomPacer) BetweenMessages(ctx context.Context) error {
	return sleep(ctx, p.pick(p.JitterMin, p.JitterMax))
}

// BetweenIdentities implements Pacer.
func (p *RandomPacer) BetweenIdentities(ctx context.Context) error {
	return sleep(ctx, p.pick(p.PauseMin, p.PauseMax))
}

func (p *RandomPacer) pick(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rnd.Int64N(int64(hi-lo)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoPacer never waits.
type NoPacer struct{}

func (NoPacer) BetweenMessages(ctx context.Context) error   { return ctx.Err() }
func (NoPacer) BetweenIdentities(ctx context.Context) error { return ctx.Err() }
