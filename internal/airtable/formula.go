package airtable

import (
	"fmt"
	"strings"
	"time"
)

// ModifiedAfter filters records whose last modification is strictly after t.
func ModifiedAfter(t time.Time) string {
	return fmt.Sprintf("IS_AFTER(LAST_MODIFIED_TIME(), '%s')", t.UTC().Format(time.RFC3339))
}

// DateOnOrAfter compares a date field, converted to the display timezone,
// with a YYYY-MM-DD literal.
func DateOnOrAfter(field, date, tz string) string {
	return fmt.Sprintf("DATETIME_FORMAT(SET_TIMEZONE({%s}, '%s'), 'YYYY-MM-DD') >= '%s'", field, tz, escape(date))
}

// DateOnOrBefore is the inclusive upper bound counterpart of DateOnOrAfter.
func DateOnOrBefore(field, date, tz string) string {
	return fmt.Sprintf("DATETIME_FORMAT(SET_TIMEZONE({%s}, '%s'), 'YYYY-MM-DD') <= '%s'", field, tz, escape(date))
}

// IsBlank matches records where field is empty.
func IsBlank(field string) string {
	return fmt.Sprintf("{%s} = BLANK()", field)
}

// Equals compares a field with a string literal.
func Equals(field, value string) string {
	return fmt.Sprintf("{%s} = '%s'", field, escape(value))
}

// ArrayContains matches records whose (lookup or multi-value) field
// contains value, case-insensitively.
func ArrayContains(field, value string) string {
	return fmt.Sprintf("FIND(LOWER('%s'), LOWER(ARRAYJOIN({%s}, ','))) > 0", escape(value), field)
}

// And joins non-empty clauses.
func And(clauses ...string) string {
	var kept []string
	for _, c := range clauses {
		if c != "" {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return ""
	case 1:
		return kept[0]
	}
	return "AND(" + strings.Join(kept, ", ") + ")"
}

// Or joins non-empty clauses.
func Or(clauses ...string) string {
	var kept []string
	for _, c := range clauses {
		if c != "" {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return ""
	case 1:
		return kept[0]
	}
	return "OR(" + strings.Join(kept, ", ") + ")"
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
