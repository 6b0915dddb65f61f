package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AyaanMahimwala/RTT-Reader/internal/materialize"
)

// Mode is the path a run took
type Mode string

const (
	ModeBootstrap   Mode = "bootstrap"
	ModeIncremental Mode = "incremental"
	ModeRebuild     Mode = "rebuild"
)

// Result summarizes a successful run
type Result struct {
	RunID    string `json:"run_id"`
	Mode     Mode   `json:"mode"`
	UpToDate bool   `json:"up_to_date"`
	Fetched  int    `json:"fetched"`
	New      int    `json:"new"`
	// Enriched counts records sent to the enrichment service this run
	Enriched int `json:"enriched"`
	// Cached counts records whose enrichment was already cached
	Cached   int                `json:"cached"`
	Degraded int                `json:"degraded_batches"`
	Upserted int                `json:"upserted"`
	Vectors  int                `json:"vectors"`
	Skipped  []materialize.Skip `json:"skipped,omitempty"`
	PerDate  map[string]int     `json:"per_date,omitempty"`
}

// Summary renders the result for people
func (r *Result) Summary() string {
	if r.UpToDate {
		return "Database is up to date, no new events found."
	}
	if r.Fetched == 0 && r.Mode != ModeRebuild {
		return "No events found in the calendar."
	}

	var sb strings.Builder
	switch r.Mode {
	case ModeBootstrap:
		fmt.Fprintf(&sb, "Initial sync complete, %d events imported.\n", r.Upserted)
	case ModeRebuild:
		fmt.Fprintf(&sb, "Rebuilt %d events.\n", r.Upserted)
	default:
		fmt.Fprintf(&sb, "Synced %d new events into the database.\n", r.Upserted)
	}
	fmt.Fprintf(&sb, "Vectors written: %d\n", r.Vectors)
	if r.Degraded > 0 {
		fmt.Fprintf(&sb, "Degraded batches: %d\n", r.Degraded)
	}

	if len(r.PerDate) > 0 {
		dates := make([]string, 0, len(r.PerDate))
		for d := range r.PerDate {
			dates = append(dates, d)
		}
		sort.Strings(dates)

		if r.Mode == ModeIncremental {
			sb.WriteString("\nNew events by date:\n")
			for _, d := range dates {
				fmt.Fprintf(&sb, "  %s: %d events\n", d, r.PerDate[d])
			}
		}
		fmt.Fprintf(&sb, "\nDate range: %s to %s\n", dates[0], dates[len(dates)-1])
	}

	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, "\nSkipped %d records:\n", len(r.Skipped))
		for _, s := range r.Skipped {
			fmt.Fprintf(&sb, "  %s: %s\n", s.ID, s.Reason)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
