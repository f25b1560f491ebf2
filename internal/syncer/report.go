package syncer

import "time"

// TableReport summarizes one table pass.
type TableReport struct {
	Table      string     `json:"table"`
	Fetched    int        `json:"fetched"`
	Upserted   int        `json:"upserted"`
	Skipped    int        `json:"skipped"`
	Unresolved int        `json:"unresolved_refs"`
	Watermark  *time.Time `json:"watermark,omitempty"`
	Duration   string     `json:"duration"`
	Error      string     `json:"error,omitempty"`
	Err        error      `json:"-"`
}

// Report summarizes a sync run across all tables.
type Report struct {
	Bootstrap  bool          `json:"bootstrap"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tables     []TableReport `json:"tables"`
}

// Failed reports whether any table pass failed.
func (r *Report) Failed() bool {
	for _, t := range r.Tables {
		if t.Err != nil {
			return true
		}
	}
	return false
}

// Writes is the total number of rows upserted.
func (r *Report) Writes() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Upserted
	}
	return n
}

// Table returns the report for one table.
func (r *Report) Table(name string) (TableReport, bool) {
	for _, t := range r.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableReport{}, false
}
