package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
)

// SharedViewStore keeps share views as one JSON file per token.
type SharedViewStore struct{ dir string }

func NewSharedViewStore(dir string) *SharedViewStore { return &SharedViewStore{dir: dir} }

// Insert creates the token file exclusively, so a token is written once.
func (s *SharedViewStore) Insert(_ context.Context, v domain.SharedView) error {
	path, err := s.path(v.Token)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create shared view dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("shared view token: %w", apperr.ErrIntegrityConflict)
	}
	if err != nil {
		return fmt.Errorf("create shared view: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write shared view: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync shared view: %w", err)
	}
	return f.Close()
}

func (s *SharedViewStore) Get(_ context.Context, token string) (*domain.SharedView, error) {
	path, err := s.path(token)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("shared view")
	}
	if err != nil {
		return nil, fmt.Errorf("read shared view: %w", err)
	}
	var v domain.SharedView
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode shared view: %w", err)
	}
	return &v, nil
}

func (s *SharedViewStore) path(token string) (string, error) {
	if token == "" || filepath.Base(token) != token || strings.HasPrefix(token, ".") {
		return "", apperr.NotFound("shared view")
	}
	return filepath.Join(s.dir, token+".json"), nil
}
