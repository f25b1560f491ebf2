package query

import (
	"testing"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPage(t *testing.T) {
	tests := []struct {
		size, offset int
		ok           bool
	}{
		{1, 0, true},
		{100, 0, true},
		{50, 200, true},
		{0, 0, false},
		{101, 0, false},
		{10, -1, false},
	}
	for _, tt := range tests {
		_, err := NewPage(tt.size, tt.offset)
		if tt.ok {
			assert.NoError(t, err, "size=%d offset=%d", tt.size, tt.offset)
		} else {
			assert.ErrorIs(t, err, apperr.ErrValidation, "size=%d offset=%d", tt.size, tt.offset)
		}
	}
}

func TestNewDateRange(t *testing.T) {
	r, err := NewDateRange("2025-01-15", "2025-01-20")
	require.NoError(t, err)
	assert.True(t, r.Closed())
	assert.True(t, r.Contains("2025-01-15"))
	assert.True(t, r.Contains("2025-01-20"))
	assert.False(t, r.Contains("2025-01-21"))

	open, err := NewDateRange("", "")
	require.NoError(t, err)
	assert.False(t, open.Closed())
	assert.True(t, open.Contains("1999-12-31"))

	_, err = NewDateRange("2025-13-01", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = NewDateRange("2025-01-20", "2025-01-15")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCanonicalSource(t *testing.T) {
	assert.Equal(t, "New Comers", CanonicalSource("Funnel"))
	assert.Equal(t, "New Comers", CanonicalSource(" new comers "))
	assert.Equal(t, "Big Campaigns", CanonicalSource("Big Campaign"))
	assert.Equal(t, "Facebook", CanonicalSource("facebook"))
	assert.Equal(t, "Others", CanonicalSource("Instagram"))
	assert.Equal(t, "Others", CanonicalSource(""))
}

func TestBuildBreakdown_Consistency(t *testing.T) {
	b := buildBreakdown(map[string]float64{
		"Funnel":       10.01,
		"New Comers":   20,
		"Big Campaign": 33.33,
		"Facebook":     33.33,
		"Instagram":    3.33,
		"":             0.5,
	})

	assert.InDelta(t, 100.5, b.TotalAmount, 0.0001)
	names := make([]string, 0, len(b.Breakdown))
	var sumValue, sumPct float64
	for _, item := range b.Breakdown {
		names = append(names, item.Name)
		sumValue += item.Value
		sumPct += item.Percentage
	}
	assert.Equal(t, []string{"Big Campaigns", "Facebook", "New Comers", "Others"}, names)
	assert.InDelta(t, b.TotalAmount, sumValue, 0.001)
	assert.InDelta(t, 100, sumPct, 0.05)
	assert.Equal(t, 30.01, b.Breakdown[2].Value)
}

func TestBuildBreakdown_Empty(t *testing.T) {
	b := buildBreakdown(nil)
	assert.Equal(t, 0.0, b.TotalAmount)
	assert.NotNil(t, b.Breakdown)
	assert.Empty(t, b.Breakdown)
}
