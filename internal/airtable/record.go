package airtable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one Airtable row: {id, createdTime, fields}.
type Record struct {
	ID          string                 `json:"id"`
	CreatedTime time.Time              `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

// String returns a text field. Lookup fields arrive as arrays; the first
// element is used.
func (r Record) String(field string) string {
	switch v := r.Fields[field].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		return strings.TrimSpace(fmt.Sprintf("%v", v[0]))
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Float returns a number or currency field.
func (r Record) Float(field string) float64 {
	switch v := r.Fields[field].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(v, "$")), 64)
		return f
	case []interface{}:
		if len(v) > 0 {
			return Record{Fields: map[string]interface{}{field: v[0]}}.Float(field)
		}
	}
	return 0
}

// Bool returns a checkbox field. Missing checkboxes are false.
func (r Record) Bool(field string) bool {
	switch v := r.Fields[field].(type) {
	case bool:
		return v
	case []interface{}:
		for _, x := range v {
			if b, ok := x.(bool); ok && b {
				return true
			}
		}
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Strings returns a multi-value field (multiple select, lookup, linked ids).
func (r Record) Strings(field string) []string {
	switch v := r.Fields[field].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s := strings.TrimSpace(fmt.Sprintf("%v", x)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Links returns the record ids of a linked-record field.
func (r Record) Links(field string) []string {
	return r.Strings(field)
}

// FirstLink returns the first linked record id, or "".
func (r Record) FirstLink(field string) string {
	links := r.Links(field)
	if len(links) == 0 {
		return ""
	}
	return links[0]
}

// Time returns a date or dateTime field in UTC. Date-only values are
// interpreted in loc (the display timezone) at midnight.
func (r Record) Time(field string, loc *time.Location) (time.Time, bool) {
	s := r.String(field)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
