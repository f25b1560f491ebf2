// Package filestore keeps sender campaigns on the local filesystem. It is the
// store used when no warehouse is configured:
//
//	campaign_data/<id>.json     campaign definition and lifecycle state
//	campaign_targets/target_<id>.csv  recipient list (read through sender.LocalBlobs)
//	sent_logs/sent_<id>.csv     append-only Email,CampaignID,Timestamp log
//
// Claims are serialized by a process-wide mutex, so a single worker process
// may use the store. Running two workers against one directory is not
// supported.
package filestore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/sender"
	"github.com/google/uuid"
)

var sentHeader = []string{"Email", "CampaignID", "Timestamp"}

// TargetName is the legacy file name of a campaign's recipient CSV.
func TargetName(id string) string { return "target_" + id + ".csv" }

// CampaignStore implements sender.CampaignStore over JSON and CSV files.
type CampaignStore struct {
	dataDir string
	sentDir string

	mu   sync.Mutex
	sent map[string]map[string]struct{}
}

var _ sender.CampaignStore = (*CampaignStore)(nil)

// NewCampaignStore creates a store rooted at the given directories. They are
// created on first write.
func NewCampaignStore(dataDir, sentDir string) *CampaignStore {
	return &CampaignStore{
		dataDir: dataDir,
		sentDir: sentDir,
		sent:    make(map[string]map[string]struct{}),
	}
}

func (s *CampaignStore) ClaimDue(_ context.Context, now time.Time) ([]domain.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var due []domain.ScheduledCampaign
	for _, c := range all {
		if c.State == domain.StateScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })

	claimed := make([]domain.ScheduledCampaign, 0, len(due))
	for _, c := range due {
		started := now.UTC()
		c.State = domain.StateSending
		c.StartedAt = &started
		if err := s.write(&c); err != nil {
			return claimed, fmt.Errorf("claim campaign %s: %w", c.ID, err)
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *CampaignStore) ListInFlight(_ context.Context) ([]domain.ScheduledCampaign, error) {
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []domain.ScheduledCampaign
	for _, c := range all {
		if c.State == domain.StateSending {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return scheduledAt(out[i]).Before(scheduledAt(out[j])) })
	return out, nil
}

func (s *CampaignStore) List(_ context.Context) ([]domain.ScheduledCampaign, error) {
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

func (s *CampaignStore) Get(_ context.Context, id string) (*domain.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *CampaignStore) Create(_ context.Context, c *domain.ScheduledCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	path, err := s.dataPath(c.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("campaign %s: %w", c.ID, apperr.ErrIntegrityConflict)
	}
	return s.write(c)
}

func (s *CampaignStore) Schedule(_ context.Context, id string, at time.Time) error {
	return s.update(id, domain.StateScheduled, func(c *domain.ScheduledCampaign) {
		at := at.UTC()
		c.State = domain.StateScheduled
		c.ScheduledAt = &at
	})
}

func (s *CampaignStore) SetTargetCount(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.read(id)
	if err != nil {
		return err
	}
	c.TargetCount = n
	return s.write(c)
}

func (s *CampaignStore) MarkCompleted(_ context.Context, id string, sentCount int, at time.Time) error {
	return s.update(id, domain.StateCompleted, func(c *domain.ScheduledCampaign) {
		at := at.UTC()
		c.State = domain.StateCompleted
		c.SentCountFinal = &sentCount
		c.CompletedAt = &at
	})
}

func (s *CampaignStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	return s.update(id, domain.StateFailed, func(c *domain.ScheduledCampaign) {
		at := at.UTC()
		c.State = domain.StateFailed
		c.FailureReason = reason
		c.CompletedAt = &at
	})
}

// update applies fn under the lock when c may move to the target state.
// Re-entering the current state through update is rejected; only the claim
// path performs Sending -> Sending.
func (s *CampaignStore) update(id string, to domain.CampaignState, fn func(*domain.ScheduledCampaign)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	if c.State == to {
		return fmt.Errorf("%w: %s is already %s", sender.ErrInvalidTransition, id, to)
	}
	if err := sender.CheckTransition(c, to); err != nil {
		return err
	}
	fn(c)
	return s.write(c)
}

func (s *CampaignStore) SentEmails(_ context.Context, id string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.sentSet(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(set))
	for e := range set {
		out[e] = struct{}{}
	}
	return out, nil
}

// AppendSent appends one row and fsyncs before returning. An email already in
// the log is not written again.
func (s *CampaignStore) AppendSent(_ context.Context, e domain.SentLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.sentSet(e.CampaignID)
	if err != nil {
		return false, err
	}
	key := strings.ToLower(strings.TrimSpace(e.Email))
	if _, dup := set[key]; dup {
		return false, nil
	}

	if err := os.MkdirAll(s.sentDir, 0o755); err != nil {
		return false, fmt.Errorf("create sent log dir: %w", err)
	}
	f, err := os.OpenFile(s.sentPath(e.CampaignID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open sent log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat sent log: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(sentHeader); err != nil {
			return false, fmt.Errorf("write sent log header: %w", err)
		}
	}
	if err := w.Write([]string{key, e.CampaignID, e.Timestamp.UTC().Format(time.RFC3339)}); err != nil {
		return false, fmt.Errorf("write sent log: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, fmt.Errorf("flush sent log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return false, fmt.Errorf("sync sent log: %w", err)
	}
	set[key] = struct{}{}
	return true, nil
}

// sentSet loads the campaign's log once and keeps it in memory. Callers hold mu.
//
// Every complete entry ends in a newline, so anything after the last one is
// a torn write from a crash and is cut off the file, whether or not it
// happens to parse.
func (s *CampaignStore) sentSet(id string) (map[string]struct{}, error) {
	if set, ok := s.sent[id]; ok {
		return set, nil
	}
	set := make(map[string]struct{})
	path := s.sentPath(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.sent[id] = set
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open sent log: %w", err)
	}
	if complete := bytes.LastIndexByte(data, '\n') + 1; complete < len(data) {
		data = data[:complete]
		if err := os.Truncate(path, int64(complete)); err != nil {
			return nil, fmt.Errorf("drop torn sent log line: %w", err)
		}
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("read sent log: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "email") {
				continue
			}
		}
		if len(rec) == 0 {
			continue
		}
		if email := strings.ToLower(strings.TrimSpace(rec[0])); email != "" {
			set[email] = struct{}{}
		}
	}
	s.sent[id] = set
	return set, nil
}

func (s *CampaignStore) sentPath(id string) string {
	return filepath.Join(s.sentDir, "sent_"+filepath.Base(id)+".csv")
}

func (s *CampaignStore) dataPath(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return "", apperr.NotFound("campaign " + id)
	}
	return filepath.Join(s.dataDir, id+".json"), nil
}

func (s *CampaignStore) read(id string) (*domain.ScheduledCampaign, error) {
	path, err := s.dataPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("campaign " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("read campaign %s: %w", id, err)
	}
	var c domain.ScheduledCampaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	if c.ID == "" {
		c.ID = id
	}
	return &c, nil
}

func (s *CampaignStore) readAll() ([]domain.ScheduledCampaign, error) {
	entries, err := os.ReadDir(s.dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list campaign data: %w", err)
	}
	var out []domain.ScheduledCampaign
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		c, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// write replaces the campaign file atomically.
func (s *CampaignStore) write(c *domain.ScheduledCampaign) error {
	path, err := s.dataPath(c.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create campaign data dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dataDir, "."+c.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write campaign %s: %w", c.ID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write campaign %s: %w", c.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync campaign %s: %w", c.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write campaign %s: %w", c.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write campaign %s: %w", c.ID, err)
	}
	return nil
}

func scheduledAt(c domain.ScheduledCampaign) time.Time {
	if c.ScheduledAt == nil {
		return time.Time{}
	}
	return *c.ScheduledAt
}
