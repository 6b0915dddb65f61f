package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNormalize_DateOnly(t *testing.T) {
	rec := domain.RawRecord{ID: "a", Start: "2024-06-01", End: "2024-06-02"}

	fields, err := Normalize(rec, mustLoad(t, "America/Chicago"))
	require.NoError(t, err)

	assert.Equal(t, "2024-06-01", fields.Date)
	assert.Equal(t, 2024, fields.Year)
	assert.Equal(t, 6, fields.Month)
	assert.Equal(t, "Saturday", fields.DayOfWeek)
	assert.Equal(t, 0.0, fields.StartHour)
	assert.Equal(t, 1440.0, fields.DurationMinutes)
	assert.True(t, fields.AllDay)
}

func TestNormalize_DateOnlyAcrossDSTChange(t *testing.T) {
	la := mustLoad(t, "America/Los_Angeles")
	tests := []struct {
		name       string
		start, end string
		day        string
		want       float64
	}{
		{"spring forward", "2024-03-10", "2024-03-11", "Sunday", 1440},
		{"fall back", "2024-11-03", "2024-11-04", "Sunday", 1440},
		{"three days over the change", "2024-03-09", "2024-03-12", "Saturday", 3 * 1440},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := Normalize(domain.RawRecord{ID: "d", Start: tt.start, End: tt.end}, la)
			require.NoError(t, err)
			assert.Equal(t, tt.start, fields.Date)
			assert.Equal(t, tt.day, fields.DayOfWeek)
			assert.Equal(t, tt.want, fields.DurationMinutes)
		})
	}
}

func TestNormalize_Timestamped(t *testing.T) {
	rec := domain.RawRecord{ID: "b", Start: "2024-06-01T09:00:00-07:00", End: "2024-06-01T10:30:00-07:00"}

	fields, err := Normalize(rec, mustLoad(t, "America/Los_Angeles"))
	require.NoError(t, err)

	assert.Equal(t, 9.0, fields.StartHour)
	assert.Equal(t, 90.0, fields.DurationMinutes)
	assert.False(t, fields.AllDay)
}

func TestNormalize_ConvertsIntoConfiguredZone(t *testing.T) {
	// 23:30 in New York is 03:30 the next day in UTC
	rec := domain.RawRecord{ID: "c", Start: "2024-06-07T23:30:00-04:00", End: "2024-06-08T00:15:00-04:00"}

	fields, err := Normalize(rec, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "2024-06-08", fields.Date)
	assert.Equal(t, "Saturday", fields.DayOfWeek)
	assert.Equal(t, 3.5, fields.StartHour)
	assert.Equal(t, 45.0, fields.DurationMinutes)
}

func TestNormalize_NonPositiveDurationIsNotAnError(t *testing.T) {
	rec := domain.RawRecord{ID: "d", Start: "2024-06-01T10:00:00Z", End: "2024-06-01T09:00:00Z"}

	fields, err := Normalize(rec, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, -60.0, fields.DurationMinutes)
}

func TestNormalize_InputErrors(t *testing.T) {
	tests := []struct {
		name string
		rec  domain.RawRecord
	}{
		{"missing start", domain.RawRecord{ID: "e", End: "2024-06-01"}},
		{"missing end", domain.RawRecord{ID: "e", Start: "2024-06-01"}},
		{"garbage", domain.RawRecord{ID: "e", Start: "yesterday", End: "today"}},
		{"mixed", domain.RawRecord{ID: "e", Start: "2024-06-01", End: "2024-06-01T10:00:00Z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.rec, time.UTC)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "record e")
		})
	}
}

func TestTimeBand(t *testing.T) {
	tests := []struct {
		hour float64
		want string
	}{
		{0, "early morning"},
		{5.99, "early morning"},
		{6, "morning"},
		{12, "afternoon"},
		{17.5, "evening"},
		{21, "late night"},
		{23.75, "late night"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeBand(tt.hour), "hour %v", tt.hour)
	}
}

func TestIsWeekend(t *testing.T) {
	assert.True(t, IsWeekend("Saturday"))
	assert.True(t, IsWeekend("Sunday"))
	assert.False(t, IsWeekend("Monday"))
}
