package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// CampaignState enumerates the lifecycle states of a scheduled email campaign.
type CampaignState string

const (
	StateDraft     CampaignState = "Draft"
	StateScheduled CampaignState = "Scheduled"
	StateSending   CampaignState = "Sending"
	StateCompleted CampaignState = "Completed"
	StateFailed    CampaignState = "Failed"
)

// IsTerminal returns true if the state is final.
func (s CampaignState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the lifecycle allows from → to.
// Sending → Sending is the resume path and is allowed.
func CanTransition(from, to CampaignState) bool {
	switch from {
	case StateDraft:
		return to == StateScheduled
	case StateScheduled:
		return to == StateSending || to == StateDraft
	case StateSending:
		return to == StateSending || to == StateCompleted || to == StateFailed
	}
	return false
}

// RecipientSourceKind selects how a campaign's recipients are loaded.
type RecipientSourceKind string

const (
	SourceCSV       RecipientSourceKind = "csv"
	SourceSelection RecipientSourceKind = "selection"
)

// RecipientCriteria selects donors when the campaign is "from SOR by
// selection". Empty fields do not filter.
type RecipientCriteria struct {
	Region      string   `json:"region,omitempty"`
	Bounced     *bool    `json:"bounced,omitempty"`
	Segment     string   `json:"segment,omitempty"`
	ExcludeTags []string `json:"exclude_tags,omitempty"`
}

// CSVSource locates a recipient CSV artifact and its column mapping.
type CSVSource struct {
	Location    string `json:"location"`
	EmailColumn string `json:"email_column"`
	NameColumn  string `json:"name_column,omitempty"`
}

// RecipientSource is the union of the two recipient sources.
type RecipientSource struct {
	Kind      RecipientSourceKind `json:"kind"`
	CSV       *CSVSource          `json:"csv,omitempty"`
	Selection *RecipientCriteria  `json:"selection,omitempty"`
}

// SenderPool selects sender identities either by group name (or "all") or by
// an explicit list of identity ids.
type SenderPool struct {
	Group string   `json:"group,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

// IsEmpty reports whether the pool selects nothing.
func (p SenderPool) IsEmpty() bool {
	return strings.TrimSpace(p.Group) == "" && len(p.IDs) == 0
}

// ScheduledCampaign is an email campaign sent through the Gmail identity pool.
type ScheduledCampaign struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Subject        string          `json:"subject" db:"subject"`
	HTMLBody       string          `json:"html_body" db:"html_body"`
	Recipients     RecipientSource `json:"recipients" db:"recipients"`
	SenderPool     SenderPool      `json:"sender_pool" db:"sender_pool"`
	State          CampaignState   `json:"state" db:"state"`
	ScheduledAt    *time.Time      `json:"scheduled_at" db:"scheduled_at"`
	TargetCount    int             `json:"target_count" db:"target_count"`
	SentCountFinal *int            `json:"sent_count_final" db:"sent_count_final"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at" db:"completed_at"`
}

// Recipient is a single address to send to.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SentLogEntry records a successful delivery to one recipient.
type SentLogEntry struct {
	Email      string    `json:"email"`
	CampaignID string    `json:"campaign_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// SenderIdentity is one OAuth-authenticated Gmail account discovered on disk.
type SenderIdentity struct {
	ID              string `json:"id"`
	Group           string `json:"group"`
	CredentialsPath string `json:"-"`
	RefreshToken    string `json:"-"`
	VerifiedEmail   string `json:"verified_email,omitempty"`
}

// SharedView is a read-only dashboard configuration reachable by token.
type SharedView struct {
	Token     string          `json:"token"`
	Config    json.RawMessage `json:"config"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the view has passed its expiry at now.
func (v *SharedView) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)
}
