package domain

import "time"

// Logical table names used as watermark keys.
const (
	TableCampaigns   = "campaigns"
	TableFormTitles  = "form_titles"
	TableDonorEmails = "donor_emails"
	TableDonors      = "donors"
	TableDonations   = "donations"
)

// SyncOrder lists the tables leaves first. Parents are always synced before
// the children that reference them.
var SyncOrder = []string{
	TableCampaigns,
	TableFormTitles,
	TableDonorEmails,
	TableDonors,
	TableDonations,
}

// SyncWatermark records the last successful sync capture time for a table.
// A nil LastSyncAt means the table has never been synced.
type SyncWatermark struct {
	TableName  string     `json:"table_name" db:"table_name"`
	LastSyncAt *time.Time `json:"last_sync_at" db:"last_sync_at"`
}
