package maillookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailchimpServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, key, ok := r.BasicAuth(); !ok || key != "mc-key-us21" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/3.0/lists":
			w.Write([]byte(`{"lists":[{"id":"a1b2","name":"Newsletter"},{"id":"c3d4","name":"Volunteers"}],"total_items":2}`))
		case "/3.0/search-members":
			if r.URL.Query().Get("query") != "ana@rescue.org" {
				w.Write([]byte(`{"exact_matches":{"members":[]},"full_search":{"members":[]}}`))
				return
			}
			w.Write([]byte(`{"exact_matches":{"members":[
				{"id":"m1","email_address":"ana@rescue.org","status":"subscribed","full_name":"Ana Mora","list_id":"a1b2",
				 "tags":[{"id":1,"name":"monthly"},{"id":2,"name":"2024-gala"}]},
				{"id":"m2","email_address":"ana@rescue.org","status":"unsubscribed","full_name":"","list_id":"zz99",
				 "tags":[{"id":1,"name":"monthly"}]}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMailchimp_Lookup(t *testing.T) {
	srv := mailchimpServer(t)
	mc := newMailchimp(MailchimpConfig{APIKey: "mc-key-us21", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, mc.LoadLists(context.Background()))

	res, err := mc.Lookup(context.Background(), "ana@rescue.org")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []string{"2024-gala", "monthly"}, res.Tags)
	assert.Equal(t, "Ana Mora", res.Details["full_name"])

	memberships := res.Details["memberships"].([]map[string]interface{})
	require.Len(t, memberships, 2)
	assert.Equal(t, "Newsletter", memberships[0]["list"])
	assert.Equal(t, "zz99", memberships[1]["list"], "unknown audience ids pass through")

	res, err = mc.Lookup(context.Background(), "nobody@rescue.org")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestMailchimp_LoadsListsLazilyAfterFailedPreload(t *testing.T) {
	srv := mailchimpServer(t)
	mc := newMailchimp(MailchimpConfig{APIKey: "mc-key-us21", BaseURL: srv.URL}, srv.Client())
	assert.False(t, mc.listsLoaded())

	res, err := mc.Lookup(context.Background(), "ana@rescue.org")
	require.NoError(t, err)
	assert.True(t, mc.listsLoaded())
	assert.Equal(t, "Newsletter", res.Details["memberships"].([]map[string]interface{})[0]["list"])
}

func brevoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "brevo-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/contacts/lists":
			w.Write([]byte(`{"lists":[{"id":2,"name":"Donors 2024"},{"id":7,"name":"Adopters"}],"count":2}`))
		case "/contacts/ana@rescue.org":
			w.Write([]byte(`{"id":41,"email":"ana@rescue.org","emailBlacklisted":false,
				"createdAt":"2024-02-01T10:00:00.000+00:00","modifiedAt":"2024-06-01T10:00:00.000+00:00",
				"attributes":{"FIRSTNAME":"Ana"},"listIds":[2,99],"listUnsubscribed":[7]}`))
		case "/contacts/boom@rescue.org":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":"invalid_parameter"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":"document_not_found","message":"Contact does not exist"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBrevo_Lookup(t *testing.T) {
	srv := brevoServer(t)
	b := newBrevo(BrevoConfig{APIKey: "brevo-key", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, b.LoadLists(context.Background()))

	res, err := b.Lookup(context.Background(), "ana@rescue.org")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []string{"Donors 2024", "99"}, res.Details["lists"])
	assert.Equal(t, []string{"Adopters"}, res.Details["unsubscribed_from"])
	assert.Equal(t, false, res.Details["email_blacklisted"])

	res, err = b.Lookup(context.Background(), "ghost@rescue.org")
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = b.Lookup(context.Background(), "boom@rescue.org")
	assert.Error(t, err)
}

type stubProvider struct {
	name  string
	res   Result
	err   error
	delay time.Duration
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Lookup(ctx context.Context, _ string) (Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.res, s.err
}

func TestSearcher_IsolatesProviderFailures(t *testing.T) {
	s := NewSearcher(50*time.Millisecond,
		stubProvider{name: "mailchimp", res: Result{Found: true, Tags: []string{"monthly"}}},
		stubProvider{name: "brevo", err: errors.New("503 from upstream")},
		stubProvider{name: "slow", delay: time.Second},
	)
	assert.Equal(t, []string{"mailchimp", "brevo", "slow"}, s.Providers())

	got, err := s.Search(context.Background(), " Ana <ANA@Rescue.org> ")
	require.NoError(t, err)
	assert.Equal(t, "ana@rescue.org", got.Email)
	require.Len(t, got.Results, 3)

	assert.Equal(t, Result{Provider: "mailchimp", Found: true, Tags: []string{"monthly"}}, got.Results["mailchimp"])
	assert.Equal(t, "lookup failed", got.Results["brevo"].Error)
	assert.False(t, got.Results["brevo"].Found)
	assert.Equal(t, "timed out", got.Results["slow"].Error)
}

func TestSearcher_RejectsMalformedAddress(t *testing.T) {
	_, err := NewSearcher(0).Search(context.Background(), "not an email")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSearcher_EndToEnd(t *testing.T) {
	mcSrv := mailchimpServer(t)
	brSrv := brevoServer(t)
	s := NewSearcher(time.Second,
		newMailchimp(MailchimpConfig{APIKey: "mc-key-us21", BaseURL: mcSrv.URL}, mcSrv.Client()),
		newBrevo(BrevoConfig{APIKey: "wrong", BaseURL: brSrv.URL}, brSrv.Client()),
	)
	got, err := s.Search(context.Background(), "ana@rescue.org")
	require.NoError(t, err)
	assert.True(t, got.Results["mailchimp"].Found)
	assert.NotEmpty(t, got.Results["brevo"].Error)
}
