package maillookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httpretry"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
)

// MailchimpConfig holds the settings of the list-based provider.
type MailchimpConfig struct {
	APIKey string
	DC     string
	// ListID restricts lookups to one audience when set.
	ListID  string
	BaseURL string
	Timeout time.Duration
}

// Mailchimp looks addresses up through the Marketing API. Audience ids in
// responses are rewritten to audience names from a map loaded at start.
type Mailchimp struct {
	baseURL    string
	apiKey     string
	listID     string
	httpClient httpretry.HTTPDoer
	log        *logger.Logger

	mu    sync.RWMutex
	lists map[string]string
}

// NewMailchimp creates the client and preloads the audience names. A failed
// preload is logged and retried on the next lookup.
func NewMailchimp(ctx context.Context, cfg MailchimpConfig) *Mailchimp {
	m := newMailchimp(cfg, nil)
	if err := m.LoadLists(ctx); err != nil {
		m.log.Warn("mailchimp audience preload failed", "error", err.Error())
	}
	return m
}

func newMailchimp(cfg MailchimpConfig, client httpretry.HTTPDoer) *Mailchimp {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s.api.mailchimp.com", cfg.DC)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, 2)
	}
	return &Mailchimp{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		listID:     cfg.ListID,
		httpClient: client,
		log:        logger.With("component", "mailchimp"),
	}
}

func (m *Mailchimp) Name() string { return "mailchimp" }

type mcLists struct {
	Lists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"lists"`
	TotalItems int `json:"total_items"`
}

// LoadLists replaces the audience id → name map.
func (m *Mailchimp) LoadLists(ctx context.Context) error {
	names := make(map[string]string)
	const pageSize = 1000
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("fields", "lists.id,lists.name,total_items")
		q.Set("count", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(offset))

		var page mcLists
		if err := m.get(ctx, "/3.0/lists?"+q.Encode(), &page); err != nil {
			return fmt.Errorf("load mailchimp audiences: %w", err)
		}
		for _, l := range page.Lists {
			names[l.ID] = l.Name
		}
		if len(page.Lists) < pageSize || offset+pageSize >= page.TotalItems {
			break
		}
	}
	m.mu.Lock()
	m.lists = names
	m.mu.Unlock()
	m.log.Info("mailchimp audiences loaded", "count", len(names))
	return nil
}

func (m *Mailchimp) listName(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.lists[id]; ok {
		return name
	}
	return id
}

func (m *Mailchimp) listsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lists != nil
}

type mcMember struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
	Status       string `json:"status"`
	FullName     string `json:"full_name"`
	ListID       string `json:"list_id"`
	Tags         []struct {
		Name string `json:"name"`
	} `json:"tags"`
	LastChanged string `json:"last_changed"`
}

type mcSearch struct {
	ExactMatches struct {
		Members []mcMember `json:"members"`
	} `json:"exact_matches"`
}

// Lookup searches exact matches for email. Tags are the union across every
// audience the address belongs to.
func (m *Mailchimp) Lookup(ctx context.Context, email string) (Result, error) {
	if !m.listsLoaded() {
		if err := m.LoadLists(ctx); err != nil {
			m.log.Warn("mailchimp audience reload failed", "error", err.Error())
		}
	}

	q := url.Values{}
	q.Set("query", email)
	if m.listID != "" {
		q.Set("list_id", m.listID)
	}
	var res mcSearch
	if err := m.get(ctx, "/3.0/search-members?"+q.Encode(), &res); err != nil {
		return Result{}, err
	}

	members := res.ExactMatches.Members
	if len(members) == 0 {
		return Result{Found: false}, nil
	}

	tagSet := make(map[string]bool)
	var tags []string
	memberships := make([]map[string]interface{}, 0, len(members))
	fullName := ""
	for _, mem := range members {
		for _, t := range mem.Tags {
			if t.Name != "" && !tagSet[t.Name] {
				tagSet[t.Name] = true
				tags = append(tags, t.Name)
			}
		}
		if fullName == "" {
			fullName = mem.FullName
		}
		memberships = append(memberships, map[string]interface{}{
			"list":         m.listName(mem.ListID),
			"status":       mem.Status,
			"last_changed": mem.LastChanged,
		})
	}
	sort.Strings(tags)

	details := map[string]interface{}{"memberships": memberships}
	if fullName != "" {
		details["full_name"] = fullName
	}
	return Result{Found: true, Tags: tags, Details: details}, nil
}

func (m *Mailchimp) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth("dashboard", m.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return apperr.Transient(fmt.Errorf("mailchimp: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(fmt.Errorf("mailchimp: read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := fmt.Errorf("mailchimp: API error (status %d): %s", resp.StatusCode, string(body))
		if httpretry.IsRetryableStatus(resp.StatusCode) {
			return apperr.Transient(apiErr)
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mailchimp: failed to parse response: %w", err)
	}
	return nil
}
