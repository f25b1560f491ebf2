package maillookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httpretry"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
)

// BrevoConfig holds the settings of the contact-based provider.
type BrevoConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Brevo looks contacts up by address. List ids are rewritten to list names.
type Brevo struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
	log        *logger.Logger

	mu    sync.RWMutex
	lists map[int64]string
}

// NewBrevo creates the client and preloads list names.
func NewBrevo(ctx context.Context, cfg BrevoConfig) *Brevo {
	b := newBrevo(cfg, nil)
	if err := b.LoadLists(ctx); err != nil {
		b.log.Warn("brevo list preload failed", "error", err.Error())
	}
	return b
}

func newBrevo(cfg BrevoConfig, client httpretry.HTTPDoer) *Brevo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.brevo.com/v3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, 2)
	}
	return &Brevo{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: client,
		log:        logger.With("component", "brevo"),
	}
}

func (b *Brevo) Name() string { return "brevo" }

type brevoLists struct {
	Lists []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"lists"`
	Count int `json:"count"`
}

// LoadLists replaces the list id → name map. Brevo pages lists 50 at a time.
func (b *Brevo) LoadLists(ctx context.Context) error {
	names := make(map[int64]string)
	const pageSize = 50
	for offset := 0; ; offset += pageSize {
		var page brevoLists
		path := fmt.Sprintf("/contacts/lists?limit=%d&offset=%d", pageSize, offset)
		if _, err := b.get(ctx, path, &page); err != nil {
			return fmt.Errorf("load brevo lists: %w", err)
		}
		for _, l := range page.Lists {
			names[l.ID] = l.Name
		}
		if len(page.Lists) < pageSize || offset+pageSize >= page.Count {
			break
		}
	}
	b.mu.Lock()
	b.lists = names
	b.mu.Unlock()
	b.log.Info("brevo lists loaded", "count", len(names))
	return nil
}

func (b *Brevo) listNames(ids []int64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := b.lists[id]; ok {
			out = append(out, name)
		} else {
			out = append(out, strconv.FormatInt(id, 10))
		}
	}
	return out
}

type brevoContact struct {
	ID               int64                  `json:"id"`
	Email            string                 `json:"email"`
	EmailBlacklisted bool                   `json:"emailBlacklisted"`
	CreatedAt        string                 `json:"createdAt"`
	ModifiedAt       string                 `json:"modifiedAt"`
	Attributes       map[string]interface{} `json:"attributes"`
	ListIDs          []int64                `json:"listIds"`
	ListUnsubscribed []int64                `json:"listUnsubscribed"`
}

// Lookup fetches one contact. A 404 means the address is unknown.
func (b *Brevo) Lookup(ctx context.Context, email string) (Result, error) {
	b.mu.RLock()
	loaded := b.lists != nil
	b.mu.RUnlock()
	if !loaded {
		if err := b.LoadLists(ctx); err != nil {
			b.log.Warn("brevo list reload failed", "error", err.Error())
		}
	}

	var c brevoContact
	status, err := b.get(ctx, "/contacts/"+url.PathEscape(email), &c)
	if status == http.StatusNotFound {
		return Result{Found: false}, nil
	}
	if err != nil {
		return Result{}, err
	}

	details := map[string]interface{}{
		"lists":             b.listNames(c.ListIDs),
		"unsubscribed_from": b.listNames(c.ListUnsubscribed),
		"email_blacklisted": c.EmailBlacklisted,
		"created_at":        c.CreatedAt,
		"modified_at":       c.ModifiedAt,
	}
	if len(c.Attributes) > 0 {
		details["attributes"] = c.Attributes
	}
	return Result{Found: true, Details: details}, nil
}

// get returns the HTTP status alongside the error so callers can treat 404
// as an answer.
func (b *Brevo) get(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api-key", b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Transient(fmt.Errorf("brevo: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apperr.Transient(fmt.Errorf("brevo: read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := fmt.Errorf("brevo: API error (status %d): %s", resp.StatusCode, string(body))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, fmt.Errorf("%w: %v", apperr.ErrNotFound, apiErr)
		case httpretry.IsRetryableStatus(resp.StatusCode):
			return resp.StatusCode, apperr.Transient(apiErr)
		}
		return resp.StatusCode, apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("brevo: failed to parse response: %w", err)
	}
	return resp.StatusCode, nil
}
