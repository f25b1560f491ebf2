// Package share issues opaque tokens for read-only dashboard views.
//
// A token maps to a JSON configuration object. Tokens are written once and
// read many times; reads need no principal, writes do.
package share

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
)

const (
	tokenBytes = 32
	// TokenLength is the encoded length of a token.
	TokenLength = 43

	maxConfigBytes = 64 << 10
	insertAttempts = 3
)

// Store persists views. Insert must fail with apperr.ErrIntegrityConflict
// when the token exists; Get must return apperr.ErrNotFound when it does not.
type Store interface {
	Insert(ctx context.Context, v domain.SharedView) error
	Get(ctx context.Context, token string) (*domain.SharedView, error)
}

// Service creates and resolves share views.
type Service struct {
	store  Store
	maxTTL time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// NewService creates a service. maxTTL caps requested lifetimes; zero means
// no cap.
func NewService(store Store, maxTTL time.Duration) *Service {
	return &Service{
		store:  store,
		maxTTL: maxTTL,
		now:    time.Now,
		log:    logger.With("component", "share"),
	}
}

// Create stores config under a new token. ttl <= 0 means the view does not
// expire unless the service caps lifetimes.
func (s *Service) Create(ctx context.Context, principal string, config json.RawMessage, ttl time.Duration) (*domain.SharedView, error) {
	if principal == "" {
		return nil, apperr.ErrUnauthorized
	}
	cfg, err := normalizeConfig(config)
	if err != nil {
		return nil, err
	}
	if s.maxTTL > 0 && (ttl <= 0 || ttl > s.maxTTL) {
		ttl = s.maxTTL
	}

	now := s.now().UTC()
	view := domain.SharedView{Config: cfg, CreatedBy: principal, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		view.ExpiresAt = &exp
	}

	for attempt := 1; attempt <= insertAttempts; attempt++ {
		view.Token, err = NewToken()
		if err != nil {
			return nil, err
		}
		err = s.store.Insert(ctx, view)
		if err == nil {
			s.log.Info("share view created", "created_by", principal, "expires", ttl > 0)
			return &view, nil
		}
		if !errors.Is(err, apperr.ErrIntegrityConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("allocate share token: %w", err)
}

// Get resolves a token. Malformed, unknown and expired tokens are all NotFound.
func (s *Service) Get(ctx context.Context, token string) (*domain.SharedView, error) {
	if !ValidToken(token) {
		return nil, apperr.NotFound("shared view")
	}
	v, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if v.Expired(s.now()) {
		return nil, apperr.NotFound("shared view")
	}
	return v, nil
}

// NewToken returns 32 random bytes encoded as unpadded base64url.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidToken reports whether s has the shape NewToken produces.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(b) == tokenBytes
}

func normalizeConfig(config json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 {
		return nil, apperr.Validation("config is required")
	}
	if len(trimmed) > maxConfigBytes {
		return nil, apperr.Validation("config exceeds %d bytes", maxConfigBytes)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj == nil {
		return nil, apperr.Validation("config must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, apperr.Validation("config must be a JSON object")
	}
	return buf.Bytes(), nil
}
