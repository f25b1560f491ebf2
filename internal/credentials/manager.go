package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Gmail scopes requested for every identity. Readonly covers the profile
// lookup used for verification.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// DefaultGmailBaseURL is the Gmail REST root.
const DefaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Options configures a Manager.
type Options struct {
	Root         string
	TokenDir     string
	GmailBaseURL string
	// HTTPClient carries both token refreshes and Gmail calls.
	HTTPClient *http.Client
}

// Selector picks identities: a group name (case-insensitive), "all", or an
// explicit ordered list of ids. IDs win when both are set.
type Selector struct {
	Group string
	IDs   []string
}

// SelectorFor converts a campaign's sender pool.
func SelectorFor(p domain.SenderPool) Selector {
	return Selector{Group: p.Group, IDs: p.IDs}
}

// Manager brokers sender identities. Discovery happens once; each identity's
// token source and verified email are cached for the life of the manager.
type Manager struct {
	root    string
	tokens  *TokenStore
	apiBase string
	client  *http.Client
	log     *logger.Logger

	mu         sync.Mutex
	identities []domain.SenderIdentity
	discovered bool
	senders    map[string]*Sender
}

// NewManager builds a manager. Nothing touches disk until first use.
func NewManager(opts Options) *Manager {
	base := strings.TrimRight(opts.GmailBaseURL, "/")
	if base == "" {
		base = DefaultGmailBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		root:    opts.Root,
		tokens:  NewTokenStore(opts.TokenDir),
		apiBase: base,
		client:  client,
		log:     logger.With("component", "credentials"),
		senders: make(map[string]*Sender),
	}
}

// Identities returns the discovered identities in discovery order. Verified
// emails are filled in for identities that have already been used.
func (m *Manager) Identities() ([]domain.SenderIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.discoverLocked(); err != nil {
		return nil, err
	}
	out := make([]domain.SenderIdentity, len(m.identities))
	for i, ident := range m.identities {
		if s, ok := m.senders[ident.ID]; ok {
			ident.VerifiedEmail = s.identity.VerifiedEmail
		}
		out[i] = ident
	}
	return out, nil
}

// Rescan forgets the discovery result so the next call walks the root again.
// Cached senders are kept.
func (m *Manager) Rescan() {
	m.mu.Lock()
	m.discovered = false
	m.identities = nil
	m.mu.Unlock()
}

func (m *Manager) discoverLocked() error {
	if m.discovered {
		return nil
	}
	idents, err := Discover(m.root)
	if err != nil {
		return err
	}
	m.identities = idents
	m.discovered = true
	m.log.Info("discovered sender identities", "count", len(idents), "root", m.root)
	return nil
}

// Select resolves sel into an ordered list of verified senders. Identities
// that cannot be authorized or verified are skipped with a warning. When two
// identities verify to the same address only the first is kept.
func (m *Manager) Select(ctx context.Context, sel Selector) ([]*Sender, error) {
	m.mu.Lock()
	if err := m.discoverLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	candidates := m.match(sel)
	m.mu.Unlock()

	seen := make(map[string]string, len(candidates))
	out := make([]*Sender, 0, len(candidates))
	for _, ident := range candidates {
		s, err := m.Sender(ctx, ident.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Warn("skipping sender identity", "identity", ident.ID, "group", ident.Group, "error", err.Error())
			continue
		}
		key := strings.ToLower(s.Email())
		if first, dup := seen[key]; dup {
			m.log.Debug("duplicate sender identity collapsed", "identity", ident.ID, "kept", first)
			continue
		}
		seen[key] = ident.ID
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) match(sel Selector) []domain.SenderIdentity {
	if len(sel.IDs) > 0 {
		byID := make(map[string]domain.SenderIdentity, len(m.identities))
		for _, ident := range m.identities {
			byID[ident.ID] = ident
		}
		var out []domain.SenderIdentity
		for _, id := range sel.IDs {
			if ident, ok := byID[strings.TrimSpace(id)]; ok {
				out = append(out, ident)
			} else {
				m.log.Warn("sender identity not found", "identity", id)
			}
		}
		return out
	}

	group := strings.TrimSpace(sel.Group)
	if group == "" || strings.EqualFold(group, "all") {
		return append([]domain.SenderIdentity(nil), m.identities...)
	}
	var out []domain.SenderIdentity
	for _, ident := range m.identities {
		if strings.EqualFold(ident.Group, group) {
			out = append(out, ident)
		}
	}
	return out
}

// Sender returns the authorized, verified handle for identity id.
func (m *Manager) Sender(ctx context.Context, id string) (*Sender, error) {
	m.mu.Lock()
	if err := m.discoverLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if s, ok := m.senders[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	var ident *domain.SenderIdentity
	for i := range m.identities {
		if m.identities[i].ID == id {
			cp := m.identities[i]
			ident = &cp
			break
		}
	}
	m.mu.Unlock()
	if ident == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	s, err := m.open(ctx, *ident)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.senders[id]; ok {
		return existing, nil
	}
	m.senders[id] = s
	return s, nil
}

// open authorizes ident from its token cache and verifies it.
func (m *Manager) open(ctx context.Context, ident domain.SenderIdentity) (*Sender, error) {
	blob, err := os.ReadFile(ident.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials for %s: %v", apperr.ErrFatal, ident.ID, err)
	}
	cfg, err := google.ConfigFromJSON(blob, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials for %s: %v", apperr.ErrFatal, ident.ID, err)
	}

	tok, err := m.tokens.Load(ident.ID)
	if err != nil {
		return nil, err
	}
	if tok == nil && ident.RefreshToken != "" {
		tok = &oauth2.Token{RefreshToken: ident.RefreshToken}
	}
	if tok == nil || (!tok.Valid() && tok.RefreshToken == "") {
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationRequired, ident.ID)
	}

	// Refreshes outlive any single request, so they run on a background
	// context carrying our HTTP client.
	oauthCtx := context.WithValue(context.Background(), oauth2.HTTPClient, m.client)
	src := &persistingSource{
		id:    ident.ID,
		base:  cfg.TokenSource(oauthCtx, tok),
		store: m.tokens,
	}
	if _, err := src.Token(); err != nil {
		return nil, classifyTokenErr(ident.ID, err)
	}

	s := &Sender{
		identity: ident,
		apiBase:  m.apiBase,
		client:   oauth2.NewClient(oauthCtx, src),
	}
	if err := s.verify(ctx); err != nil {
		return nil, err
	}
	m.log.Debug("sender identity verified", "identity", ident.ID, "email", s.Email())
	return s, nil
}

func classifyTokenErr(id string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fmt.Errorf("refresh token for %s: %w", id, apperr.Transient(err))
		}
		return fmt.Errorf("%w: %s: %v", ErrAuthorizationRequired, id, err)
	}
	return fmt.Errorf("refresh token for %s: %w", id, apperr.Transient(err))
}

type profile struct {
	EmailAddress string `json:"emailAddress"`
}

func decodeProfile(resp *http.Response) (string, error) {
	var p profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	if p.EmailAddress == "" {
		return "", errors.New("profile has no email address")
	}
	return strings.ToLower(p.EmailAddress), nil
}
