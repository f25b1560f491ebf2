package domain

// DailySummary is the aggregate of donations for one display-timezone date.
type DailySummary struct {
	Date  string  `json:"date"`
	Total float64 `json:"total"`
	Count int     `json:"count"`
}

// TopDonor is one row of the top donors ranking.
type TopDonor struct {
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	TotalAmount    float64 `json:"total_amount"`
	DonationsCount int     `json:"donations_count"`
}

// BreakdownItem is one slice of the source breakdown.
type BreakdownItem struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Percentage float64 `json:"percentage"`
}

// SourceBreakdown groups donation totals by campaign source.
type SourceBreakdown struct {
	TotalAmount float64         `json:"total_amount"`
	Breakdown   []BreakdownItem `json:"breakdown"`
}

// GroupStat is a grouped aggregate row (per campaign or per form title).
type GroupStat struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	TotalAmount   float64 `json:"total_amount"`
	DonationCount int     `json:"donation_count"`
	FirstDonation string  `json:"first_donation"`
}

// Stats is the result of source_stats / campaign_stats.
type Stats struct {
	TotalAmount   float64     `json:"total_amount"`
	DonationCount int         `json:"donation_count"`
	Groups        []GroupStat `json:"groups"`
}

// DonationRow is one donation in a paginated list.
type DonationRow struct {
	ID           string  `json:"id"`
	Amount       float64 `json:"amount"`
	DonationDate string  `json:"donation_date"`
	DonorName    string  `json:"donor_name"`
	DonorEmail   string  `json:"donor_email"`
	FormTitle    string  `json:"form_title"`
}

// DonationPage is a page of donations with the total row count.
type DonationPage struct {
	Donations []DonationRow `json:"donations"`
	Total     int           `json:"total"`
	PageSize  int           `json:"page_size"`
	Offset    int           `json:"offset"`
}

// DonorDetail is the result of a donor lookup by email.
type DonorDetail struct {
	Donor     Donor         `json:"donor"`
	Donations []DonationRow `json:"donations"`
}

// GlanceMetrics is the dashboard's headline numbers.
type GlanceMetrics struct {
	TodayAmount  float64 `json:"today_amount"`
	TodayCount   int     `json:"today_count"`
	MonthAmount  float64 `json:"month_amount"`
	MonthCount   int     `json:"month_count"`
	AllTimeTotal float64 `json:"all_time_total"`
}

// CampaignRef is a lightweight campaign listing entry.
type CampaignRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// FormTitleRef is a lightweight form title listing entry.
type FormTitleRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CampaignID string `json:"campaign_id"`
}
