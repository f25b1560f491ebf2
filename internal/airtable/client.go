// Package airtable is the gateway to the system of record: the Airtable base
// where donation rows originate and mutate.
package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httpretry"
)

// MaxPageSize is the largest page Airtable serves.
const MaxPageSize = 100

// Config holds Airtable API settings.
type Config struct {
	APIKey  string
	BaseID  string
	BaseURL string
	Timeout time.Duration
}

// Client is the Airtable REST client.
type Client struct {
	baseURL    string
	baseID     string
	apiKey     string
	timeout    time.Duration
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Airtable client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.airtable.com/v0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: config.BaseURL,
		baseID:  config.BaseID,
		apiKey:  config.APIKey,
		timeout: config.Timeout,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: config.Timeout,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// FetchOptions narrows a table read.
type FetchOptions struct {
	Fields   []string
	Filter   string
	PageSize int
	Sort     []SortField
}

// SortField orders results by one field.
type SortField struct {
	Field     string
	Direction string
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// ForEachPage streams a table page by page. fn is called once per page; the
// first error (from the API or from fn) stops the stream and is returned.
func (c *Client) ForEachPage(ctx context.Context, table string, opts FetchOptions, fn func(page []Record) error) error {
	offset := ""
	for {
		page, next, err := c.fetchPage(ctx, table, opts, offset)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		offset = next
	}
}

// FetchAll reads every page of a table into memory. Partial results are
// never returned: on error the slice is nil.
func (c *Client) FetchAll(ctx context.Context, table string, opts FetchOptions) ([]Record, error) {
	var all []Record
	err := c.ForEachPage(ctx, table, opts, func(page []Record) error {
		all = append(all, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, table string, opts FetchOptions, offset string) ([]Record, string, error) {
	params := url.Values{}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	params.Set("pageSize", strconv.Itoa(pageSize))
	for _, f := range opts.Fields {
		params.Add("fields[]", f)
	}
	if opts.Filter != "" {
		params.Set("filterByFormula", opts.Filter)
	}
	for i, s := range opts.Sort {
		params.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		if s.Direction != "" {
			params.Set(fmt.Sprintf("sort[%d][direction]", i), s.Direction)
		}
	}
	if offset != "" {
		params.Set("offset", offset)
	}

	reqURL := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(table), params.Encode())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", apperr.Transient(fmt.Errorf("airtable %s: %w", table, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperr.Transient(fmt.Errorf("airtable %s: read body: %w", table, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := fmt.Errorf("airtable %s: API error (status %d): %s", table, resp.StatusCode, string(body))
		switch {
		case httpretry.IsRetryableStatus(resp.StatusCode):
			return nil, "", apperr.Transient(apiErr)
		case resp.StatusCode == http.StatusNotFound:
			return nil, "", fmt.Errorf("%w: %v", apperr.ErrNotFound, apiErr)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, "", fmt.Errorf("%w: %v", apperr.ErrQueryShape, apiErr)
		}
		return nil, "", apiErr
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, "", fmt.Errorf("failed to parse response: %w", err)
	}
	return lr.Records, lr.Offset, nil
}
