// Package auth guards the API with HMAC-signed bearer tokens and the webhook
// with a shared secret.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
)

// WebhookSecretHeader carries the shared secret on webhook calls.
const WebhookSecretHeader = "X-Webhook-Secret"

// Principal is the authenticated caller.
type Principal struct {
	Subject   string    `json:"sub"`
	Admin     bool      `json:"admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the token payload: the standard claims plus the admin flag.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Manager issues and checks tokens.
type Manager struct {
	secret        []byte
	webhookSecret string
	devMode       bool
	now           func() time.Time
	log           *logger.Logger
}

// NewManager creates a manager from the auth settings.
func NewManager(cfg config.AuthConfig) *Manager {
	m := &Manager{
		secret:        []byte(cfg.SecretKey),
		webhookSecret: cfg.WebhookSecretKey,
		devMode:       cfg.DevMode,
		now:           time.Now,
		log:           logger.With("component", "auth"),
	}
	switch {
	case m.devMode:
		m.log.Warn("dev mode: bearer auth disabled")
	case len(m.secret) == 0:
		m.log.Warn("SECRET_KEY not set, every authenticated route will answer 401")
	}
	return m
}

// Issue signs a token for subject valid for ttl.
func (m *Manager) Issue(subject string, admin bool, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("issue token: %w: SECRET_KEY not set", apperr.ErrFatal)
	}
	if subject == "" {
		return "", apperr.Validation("subject is required")
	}
	now := m.now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse validates a token. Only HS256 is accepted and exp is required.
func (m *Manager) Parse(raw string) (*Principal, error) {
	if len(m.secret) == 0 {
		return nil, apperr.ErrUnauthorized
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", apperr.ErrUnauthorized)
	}
	return &Principal{
		Subject:   claims.Subject,
		Admin:     claims.Admin,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// principal in the request context.
func (m *Manager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.devMode {
			p := &Principal{Subject: "dev", Admin: true}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}
		raw, ok := bearerToken(r)
		if !ok {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		p, err := m.Parse(raw)
		if err != nil {
			m.log.Debug("rejected bearer token", "path", r.URL.Path, "error", err.Error())
			httputil.Unauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httputil.Unauthorized(w, "authentication required")
			return
		}
		if !p.Admin {
			httputil.FromError(w, fmt.Errorf("%w: admin only", apperr.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireWebhookSecret checks the shared-secret header in constant time.
func (m *Manager) RequireWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(WebhookSecretHeader)
		if m.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(m.webhookSecret)) != 1 {
			m.log.Warn("webhook rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			httputil.Unauthorized(w, "invalid webhook secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ErrNoPrincipal is returned by Subject when the context carries no caller.
var ErrNoPrincipal = errors.New("no authenticated principal")

// Subject returns the caller's subject from ctx.
func Subject(ctx context.Context) (string, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthorized, ErrNoPrincipal)
	}
	return p.Subject, nil
}
