package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGoogle serves the token endpoint and the Gmail profile/send endpoints.
type fakeGoogle struct {
	srv *httptest.Server

	mu         sync.Mutex
	emails     map[string]string // access token -> address
	refreshed  []string
	sent       []string
	sendStatus int
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{emails: map[string]string{}, sendStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rt := r.PostForm.Get("refresh_token")
		f.mu.Lock()
		f.refreshed = append(f.refreshed, rt)
		f.mu.Unlock()
		if rt == "revoked" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-" + rt,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		email, ok := f.emails[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"emailAddress": email})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		status := f.sendStatus
		if status == http.StatusOK {
			f.sent = append(f.sent, body.Raw)
		}
		f.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"id":"m1"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) register(token, email string) {
	f.mu.Lock()
	f.emails[token] = email
	f.mu.Unlock()
}

type fixture struct {
	root     string
	tokenDir string
	google   *fakeGoogle
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		root:     t.TempDir(),
		tokenDir: t.TempDir(),
		google:   newFakeGoogle(t),
	}
}

func (fx *fixture) identity(t *testing.T, group, id string, extra map[string]string) {
	dir := filepath.Join(fx.root, group)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	blob := map[string]interface{}{
		"installed": map[string]interface{}{
			"client_id":     "client-" + id,
			"client_secret": "secret",
			"auth_uri":      fx.google.srv.URL + "/auth",
			"token_uri":     fx.google.srv.URL + "/token",
			"redirect_uris": []string{"http://localhost"},
		},
	}
	for k, v := range extra {
		blob[k] = v
	}
	data, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600))
}

func (fx *fixture) token(t *testing.T, id, access, refresh string, expiry time.Time) {
	data, err := json.Marshal(tokenFile{AccessToken: access, TokenType: "Bearer", RefreshToken: refresh, Expiry: expiry})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(fx.tokenDir, "token_"+id+".json"), data, 0o600))
}

// ready adds an identity with a valid cached token verifying to email.
func (fx *fixture) ready(t *testing.T, group, id, email string) {
	fx.identity(t, group, id, nil)
	fx.token(t, id, "tok-"+id, "refresh-"+id, time.Now().Add(time.Hour))
	fx.google.register("tok-"+id, email)
}

func (f *fakeGoogle) setSendStatus(status int) {
	f.mu.Lock()
	f.sendStatus = status
	f.mu.Unlock()
}

func (f *fakeGoogle) refreshes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

func (f *fakeGoogle) sentRaw() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (fx *fixture) manager() *Manager {
	return NewManager(Options{
		Root:         fx.root,
		TokenDir:     fx.tokenDir,
		GmailBaseURL: fx.google.srv.URL + "/gmail/v1",
		HTTPClient:   fx.google.srv.Client(),
	})
}

func senderIDs(ss []*Sender) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID()
	}
	return out
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"normal/b.json",
		"normal/a.json",
		"normal/token_a.json",
		"normal/notes.txt",
		"High-Risk/z.json",
		"stray.json",
	} {
		path := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	}

	idents, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, idents, 3)

	assert.Equal(t, "z", idents[0].ID)
	assert.Equal(t, "High-Risk", idents[0].Group)
	assert.Equal(t, filepath.Join(root, "High-Risk", "z.json"), idents[0].CredentialsPath)
	assert.Equal(t, "a", idents[1].ID)
	assert.Equal(t, "b", idents[2].ID)
}

func TestDiscover_MissingRootIsFatal(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, apperr.ErrFatal))
}

func TestSelect_CollapsesDuplicateVerifiedEmails(t *testing.T) {
	fx := newFixture(t)
	for i := 1; i <= 18; i++ {
		id := fmt.Sprintf("sender%02d", i)
		group := "Normal"
		if i <= 8 {
			group = "High-Risk"
		}
		email := id + "@gmail.com"
		switch id {
		case "sender03", "sender11":
			email = "shared.one@gmail.com"
		case "sender14", "sender16":
			email = "Shared.Two@gmail.com"
		}
		fx.ready(t, group, id, email)
	}

	first, err := fx.manager().Select(context.Background(), Selector{Group: "all"})
	require.NoError(t, err)
	require.Len(t, first, 16)
	ids := senderIDs(first)
	assert.NotContains(t, ids, "sender11")
	assert.NotContains(t, ids, "sender16")
	assert.Equal(t, "sender01", ids[0])
	assert.Equal(t, "sender09", ids[8])
	assert.Equal(t, "shared.two@gmail.com", first[12].Email())

	second, err := fx.manager().Select(context.Background(), Selector{})
	require.NoError(t, err)
	assert.Equal(t, ids, senderIDs(second))
}

func TestSelect_GroupIsCaseInsensitive(t *testing.T) {
	fx := newFixture(t)
	fx.ready(t, "High-Risk", "hr1", "hr1@gmail.com")
	fx.ready(t, "Normal", "n1", "n1@gmail.com")
	fx.ready(t, "Normal", "n2", "n2@gmail.com")

	got, err := fx.manager().Select(context.Background(), Selector{Group: "normal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, senderIDs(got))
	assert.Equal(t, "Normal", got[0].Group())
}

func TestSelect_ExplicitIDsKeepOrder(t *testing.T) {
	fx := newFixture(t)
	fx.ready(t, "Normal", "n1", "n1@gmail.com")
	fx.ready(t, "Normal", "n2", "n2@gmail.com")
	fx.ready(t, "Normal", "n3", "n3@gmail.com")

	got, err := fx.manager().Select(context.Background(), Selector{Group: "ignored", IDs: []string{"n3", "ghost", "n1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n1"}, senderIDs(got))
}

func TestSelect_SkipsUnauthorizedIdentities(t *testing.T) {
	fx := newFixture(t)
	fx.ready(t, "Normal", "good", "good@gmail.com")
	fx.identity(t, "Normal", "noauth", nil)
	fx.identity(t, "Normal", "revoked", nil)
	fx.token(t, "revoked", "old", "revoked", time.Now().Add(-time.Hour))

	m := fx.manager()
	got, err := m.Select(context.Background(), Selector{Group: "all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, senderIDs(got))

	_, err = m.Sender(context.Background(), "noauth")
	assert.True(t, errors.Is(err, ErrAuthorizationRequired))
	_, err = m.Sender(context.Background(), "revoked")
	assert.True(t, errors.Is(err, ErrAuthorizationRequired))
	_, err = m.Sender(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrUnknownIdentity))
}

func TestSender_RefreshesAndPersistsExpiredToken(t *testing.T) {
	fx := newFixture(t)
	fx.identity(t, "Normal", "n1", nil)
	fx.token(t, "n1", "stale", "r1", time.Now().Add(-time.Hour))
	fx.google.register("fresh-r1", "n1@gmail.com")

	s, err := fx.manager().Sender(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1@gmail.com", s.Email())
	assert.Equal(t, []string{"r1"}, fx.google.refreshes())

	tok, err := NewTokenStore(fx.tokenDir).Load("n1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-r1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)

	leftovers, _ := filepath.Glob(filepath.Join(fx.tokenDir, "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestSender_UsesEmbeddedRefreshTokenWithoutCache(t *testing.T) {
	fx := newFixture(t)
	fx.identity(t, "Normal", "n1", map[string]string{"refresh_token": "embedded"})
	fx.google.register("fresh-embedded", "n1@gmail.com")

	s, err := fx.manager().Sender(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1@gmail.com", s.Email())
	_, err = os.Stat(filepath.Join(fx.tokenDir, "token_n1.json"))
	assert.NoError(t, err)
}

func TestTokenStore_ReadsLegacyTokenKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token_x.json"),
		[]byte(`{"token":"legacy","refresh_token":"r","expiry":"2030-01-01T00:00:00Z"}`), 0o600))

	tok, err := NewTokenStore(dir).Load("x")
	require.NoError(t, err)
	assert.Equal(t, "legacy", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "token_y.json"), []byte(`not json`), 0o600))
	tok, err = NewTokenStore(dir).Load("y")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestSend(t *testing.T) {
	fx := newFixture(t)
	fx.ready(t, "Normal", "n1", "n1@gmail.com")
	s, err := fx.manager().Sender(context.Background(), "n1")
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{
		To:       "ana@example.org",
		ToName:   "Ana",
		FromName: "Rescue Team",
		Subject:  "Gracias ❤",
		HTML:     "<p>Hola Ana</p>",
	})
	require.NoError(t, err)
	sent := fx.google.sentRaw()
	require.Len(t, sent, 1)

	raw, err := base64.URLEncoding.DecodeString(sent[0])
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "To: \"Ana\" <ana@example.org>\r\n")
	assert.Contains(t, msg, "From: \"Rescue Team\" <n1@gmail.com>\r\n")
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
	assert.Contains(t, msg, base64.StdEncoding.EncodeToString([]byte("<p>Hola Ana</p>")))
}

func TestSend_ClassifiesFailures(t *testing.T) {
	fx := newFixture(t)
	fx.ready(t, "Normal", "n1", "n1@gmail.com")
	s, err := fx.manager().Sender(context.Background(), "n1")
	require.NoError(t, err)
	msg := Message{To: "a@example.org", Subject: "s", HTML: "b"}

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		fx.google.setSendStatus(status)
		err := s.Send(context.Background(), msg)
		assert.True(t, errors.Is(err, ErrIdentityUnavailable), "status %d", status)
	}

	fx.google.setSendStatus(http.StatusServiceUnavailable)
	err = s.Send(context.Background(), msg)
	assert.True(t, errors.Is(err, apperr.ErrTransientIO))
	assert.False(t, errors.Is(err, ErrIdentityUnavailable))

	fx.google.setSendStatus(http.StatusBadRequest)
	err = s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrIdentityUnavailable))

	err = s.Send(context.Background(), Message{To: "not an address"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
