package airtable

// Table names in the donations base.
const (
	TableCampaigns  = "Campaigns"
	TableFormTitles = "Form Titles"
	TableEmails     = "Emails"
	TableDonors     = "Donors"
	TableDonations  = "Donations"
)

// Field names, grouped by table.
const (
	FieldName = "Name"

	FieldCampaignSource = "Source"

	FieldFormTitleCampaign = "Campaign"

	FieldEmailAddress = "Email"
	FieldEmailBounced = "Bounced"

	FieldDonorEmails      = "Emails"
	FieldDonorEmailLookup = "Email (from Emails)"
	FieldDonorRegion      = "Region"
	FieldDonorStage       = "Stage"
	FieldDonorStatus      = "Status"
	FieldDonorFunnelStage = "Funnel Stage"
	FieldDonorTags        = "Tags"
	FieldDonorBounced     = "Bounced (from Emails)"

	FieldDonationAmount    = "Amount"
	FieldDonationDate      = "Date"
	FieldDonationDonor     = "Donor"
	FieldDonationFormTitle = "Form Title"
)
