package materialize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/temporal"
)

// EmbeddingText builds the prose embedded for one sub-activity: the activity,
// where, what kind, its neighbours within the event, a coarse part of the day,
// who was there and how it went. Exact date, hour and duration stay out of the
// text and live in the row metadata instead.
func EmbeddingText(acts []string, i int, e domain.EnrichedRecord, tf domain.TemporalFields) string {
	var sb strings.Builder

	sb.WriteString(acts[i])
	if len(e.Locations) > 0 {
		sb.WriteString(" at ")
		sb.WriteString(strings.Join(e.Locations, ", "))
	}

	if len(e.Categories) > 0 {
		cats := make([]string, len(e.Categories))
		for j, c := range e.Categories {
			cats[j] = strings.ReplaceAll(c, "_", " ")
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(cats, "/"))
		sb.WriteString(")")
	}

	var around []string
	if i > 0 {
		around = append(around, "after "+acts[i-1])
	}
	if i < len(acts)-1 {
		around = append(around, "before "+acts[i+1])
	}
	if len(around) > 0 {
		sb.WriteString(". ")
		sb.WriteString(capitalize(strings.Join(around, ", ")))
	}

	day := "Weekday"
	if temporal.IsWeekend(tf.DayOfWeek) {
		day = "Weekend"
	}
	sb.WriteString(". ")
	sb.WriteString(day)
	sb.WriteString(" ")
	sb.WriteString(temporal.TimeBand(tf.StartHour))

	if len(e.People) > 0 {
		sb.WriteString(", with ")
		sb.WriteString(strings.Join(e.People, ", "))
	} else {
		sb.WriteString(", solo")
	}

	var tone []string
	if e.Mood != "" {
		tone = append(tone, "mood: "+string(e.Mood))
	}
	switch {
	case e.IsWastedTime:
		tone = append(tone, "unproductive")
	case e.IsProductive:
		tone = append(tone, "productive")
	}
	if len(tone) > 0 {
		sb.WriteString(". ")
		sb.WriteString(capitalize(strings.Join(tone, ", ")))
		sb.WriteString(".")
	}

	return sb.String()
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
