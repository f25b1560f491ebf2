package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// tokenFile is the on-disk cache format. It reads both the oauth2 field
// names and the "token" key written by older tooling.
type tokenFile struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Token        string    `json:"token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// TokenStore persists one token per identity under dir.
type TokenStore struct {
	dir string
}

// NewTokenStore returns a store rooted at dir ("" means the working dir).
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{dir: dir}
}

// Path is the cache file for identity id.
func (s *TokenStore) Path(id string) string {
	return filepath.Join(s.dir, tokenPrefix+id+".json")
}

// Load returns the cached token, or nil when the cache is missing or
// unreadable.
func (s *TokenStore) Load(id string) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil
	}
	access := tf.AccessToken
	if access == "" {
		access = tf.Token
	}
	if access == "" && tf.RefreshToken == "" {
		return nil, nil
	}
	return &oauth2.Token{
		AccessToken:  access,
		TokenType:    tf.TokenType,
		RefreshToken: tf.RefreshToken,
		Expiry:       tf.Expiry,
	}, nil
}

// Save writes tok atomically: a temp file in the same directory is synced
// and renamed over the cache path.
func (s *TokenStore) Save(id string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tokenFile{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, "", "  ")
	if err != nil {
		return err
	}

	dir := s.dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tokenPrefix+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path(id))
}

// persistingSource writes every newly minted token back to the cache.
type persistingSource struct {
	id    string
	base  oauth2.TokenSource
	store *TokenStore

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.Save(p.id, tok); err != nil {
			return nil, fmt.Errorf("persist token for %s: %w", p.id, err)
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
