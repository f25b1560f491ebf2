// Package credentials discovers Gmail sender identities on disk, keeps their
// OAuth tokens fresh and hands out verified, de-duplicated sender handles.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
)

// Errors surfaced by the manager and its senders.
var (
	ErrAuthorizationRequired = errors.New("interactive authorization required")
	ErrIdentityUnavailable   = errors.New("sender identity unavailable")
	ErrUnknownIdentity       = errors.New("unknown sender identity")
)

const tokenPrefix = "token_"

// Discover walks root and returns one identity per non-token JSON file found
// in an immediate subdirectory. The subdirectory name is the group, spelled as
// on disk. Results are sorted by lowercased group, then id.
func Discover(root string) ([]domain.SenderIdentity, error) {
	groups, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials root %s: %v", apperr.ErrFatal, root, err)
	}

	var out []domain.SenderIdentity
	for _, g := range groups {
		if !g.IsDir() || strings.HasPrefix(g.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, g.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: read group %s: %v", apperr.ErrFatal, g.Name(), err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.EqualFold(filepath.Ext(name), ".json") || strings.HasPrefix(name, tokenPrefix) {
				continue
			}
			path := filepath.Join(dir, name)
			ident := domain.SenderIdentity{
				ID:              strings.TrimSuffix(name, filepath.Ext(name)),
				Group:           g.Name(),
				CredentialsPath: path,
			}
			// authorized_user style files carry their own refresh token
			ident.RefreshToken = embeddedRefreshToken(path)
			out = append(out, ident)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := strings.ToLower(out[i].Group), strings.ToLower(out[j].Group)
		if gi != gj {
			return gi < gj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func embeddedRefreshToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var blob struct {
		RefreshToken string `json:"refresh_token"`
	}
	if json.Unmarshal(data, &blob) != nil {
		return ""
	}
	return blob.RefreshToken
}
