// Package maillookup answers "what do the mail providers know about this
// address?" for the contact search page. Each provider sits behind the same
// Provider interface; Search fans out to all of them and never fails because
// one of them did.
package maillookup

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds one provider lookup.
const DefaultTimeout = 15 * time.Second

// Result is one provider's answer. Error is set instead of the other fields
// when the provider could not be asked.
type Result struct {
	Provider string                 `json:"provider"`
	Found    bool                   `json:"found"`
	Tags     []string               `json:"tags,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Provider looks one address up in a mail platform.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, email string) (Result, error)
}

// SearchResult collects every provider's answer for one address.
type SearchResult struct {
	Email   string            `json:"email"`
	Results map[string]Result `json:"results"`
}

// Searcher fans a lookup out to every configured provider.
type Searcher struct {
	providers []Provider
	timeout   time.Duration
	log       *logger.Logger
}

// NewSearcher creates a searcher. timeout <= 0 uses DefaultTimeout.
func NewSearcher(timeout time.Duration, providers ...Provider) *Searcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Searcher{
		providers: providers,
		timeout:   timeout,
		log:       logger.With("component", "maillookup"),
	}
}

// Providers returns the configured provider names.
func (s *Searcher) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		names = append(names, p.Name())
	}
	return names
}

// Search asks every provider concurrently. A provider error becomes an error
// marker in its slot; only a malformed address fails the call.
func (s *Searcher) Search(ctx context.Context, email string) (*SearchResult, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, apperr.Validation("invalid email address %q", email)
	}
	email = strings.ToLower(addr.Address)

	out := &SearchResult{Email: email, Results: make(map[string]Result, len(s.providers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range s.providers {
		p := p
		g.Go(func() error {
			res := s.lookup(ctx, p, email)
			mu.Lock()
			out.Results[p.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (s *Searcher) lookup(ctx context.Context, p Provider, email string) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("provider lookup panicked", "provider", p.Name(), "panic", fmt.Sprint(r))
			res = Result{Provider: p.Name(), Error: "lookup failed"}
		}
	}()

	res, err := p.Lookup(ctx, email)
	if err != nil {
		s.log.Warn("provider lookup failed", "provider", p.Name(), "error", err.Error())
		marker := "lookup failed"
		if ctx.Err() == context.DeadlineExceeded {
			marker = "timed out"
		}
		return Result{Provider: p.Name(), Error: marker}
	}
	res.Provider = p.Name()
	return res
}
