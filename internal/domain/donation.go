package domain

import (
	"strings"
	"time"
)

// Campaign is a fundraising campaign synced from the system of record.
type Campaign struct {
	ID               int64     `json:"id" db:"id"`
	StableExternalID string    `json:"airtable_id" db:"stable_external_id"`
	Name             string    `json:"name" db:"name"`
	Source           string    `json:"source" db:"source"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// FormTitle is a donation form belonging to exactly one campaign.
type FormTitle struct {
	ID               int64     `json:"id" db:"id"`
	StableExternalID string    `json:"airtable_id" db:"stable_external_id"`
	Name             string    `json:"name" db:"name"`
	CampaignID       *int64    `json:"campaign_id" db:"campaign_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Donor is a person who gave at least once. Emails is an ordered set; the
// first entry is the primary address used for joins and rankings.
type Donor struct {
	ID               int64    `json:"-" db:"id"`
	StableExternalID string   `json:"airtable_id" db:"stable_external_id"`
	DisplayName      string   `json:"name" db:"display_name"`
	Emails           []string `json:"emails" db:"emails"`
	Region           string   `json:"region" db:"region"`
	Stage            string   `json:"stage" db:"stage"`
	Status           string   `json:"status" db:"status"`
	FunnelStage      string   `json:"funnel_stage" db:"funnel_stage"`
	Bounced          bool     `json:"bounced" db:"bounced"`
	Tags             []string `json:"tags,omitempty" db:"tags"`
}

// PrimaryEmail returns the first email of the donor, or "" when none.
func (d *Donor) PrimaryEmail() string {
	if len(d.Emails) == 0 {
		return ""
	}
	return d.Emails[0]
}

// DonorEmail is the email entity referenced by donors in the system of
// record. It is synced into its own warehouse table so donor hydration can
// resolve references without calling the SOR again.
type DonorEmail struct {
	StableExternalID string `json:"airtable_id" db:"stable_external_id"`
	Email            string `json:"email" db:"email"`
	Bounced          bool   `json:"bounced" db:"bounced"`
}

// Donation is a single gift. Amount is stored with two decimals.
type Donation struct {
	ID               int64     `json:"id" db:"id"`
	StableExternalID string    `json:"airtable_id" db:"stable_external_id"`
	Amount           float64   `json:"amount" db:"amount"`
	OccurredAt       time.Time `json:"donation_date" db:"occurred_at"`
	DonorID          *int64    `json:"donor_id" db:"donor_id"`
	FormTitleID      *int64    `json:"form_title_id" db:"form_title_id"`
}

// IsOrphan reports whether the donation references neither a donor nor a
// form title. Orphans are excluded from every aggregation.
func (d *Donation) IsOrphan() bool {
	return d.DonorID == nil && d.FormTitleID == nil
}

// NormalizeEmails lowercases, trims and de-duplicates an email list while
// preserving first-seen order. Empty strings are dropped.
func NormalizeEmails(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
