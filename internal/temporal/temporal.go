// Package temporal derives calendar-relative fields from raw record time bounds.
package temporal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

const dateLayout = "2006-01-02"

// Normalize computes TemporalFields for rec in loc.
// Date-only bounds are calendar days with no zone, so a one-day span is always
// 1440 minutes; timestamped bounds are converted into loc first. A non-positive
// duration is returned as is.
func Normalize(rec domain.RawRecord, loc *time.Location) (domain.TemporalFields, error) {
	if loc == nil {
		loc = time.UTC
	}

	start, startAllDay, err := parseBound(rec.Start, loc)
	if err != nil {
		return domain.TemporalFields{}, fmt.Errorf("record %s: start: %w", rec.ID, err)
	}
	end, endAllDay, err := parseBound(rec.End, loc)
	if err != nil {
		return domain.TemporalFields{}, fmt.Errorf("record %s: end: %w", rec.ID, err)
	}
	if startAllDay != endAllDay {
		return domain.TemporalFields{}, fmt.Errorf("record %s: mixed date-only and timestamped bounds", rec.ID)
	}

	duration := end.Sub(start).Minutes()

	fields := domain.TemporalFields{
		Date:            start.Format(dateLayout),
		Year:            start.Year(),
		Month:           int(start.Month()),
		DayOfWeek:       start.Weekday().String(),
		DurationMinutes: round(duration, 1),
		AllDay:          startAllDay,
	}
	if !startAllDay {
		fields.StartHour = round(float64(start.Hour())+float64(start.Minute())/60.0, 2)
	}
	return fields, nil
}

func parseBound(s string, loc *time.Location) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, fmt.Errorf("missing timestamp")
	}

	if !strings.Contains(s, "T") {
		// UTC has no DST, so day spans keep their wall-clock length
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, true, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), false, nil
	}
	// Zone-less timestamps are wall-clock time in loc
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, false, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// TimeBand maps a decimal hour onto a coarse part of the day
func TimeBand(hour float64) string {
	switch {
	case hour < 6:
		return "early morning"
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	case hour < 21:
		return "evening"
	default:
		return "late night"
	}
}

// IsWeekend reports whether the weekday name is Saturday or Sunday
func IsWeekend(dayOfWeek string) bool {
	return dayOfWeek == time.Saturday.String() || dayOfWeek == time.Sunday.String()
}
