// Package materialize writes enriched records into the relational store and
// the vector index, relational side first.
package materialize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AyaanMahimwala/RTT-Reader/internal/batch"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/temporal"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

// Options configures the embedding side
type Options struct {
	BatchSize int
	Runner    batch.Runner
}

// Skip is a record left out because its time bounds could not be normalized
type Skip struct {
	ID     string `json:"event_id"`
	Reason string `json:"reason"`
}

// Report counts what a materialization wrote
type Report struct {
	Events  int
	Vectors int
	Skipped []Skip
	// PerDate counts written events by date
	PerDate map[string]int
}

// Materializer owns one relational store and one vector index
type Materializer struct {
	store    *store.Store
	index    *vector.Index
	embedder embedding.Embedder
	loc      *time.Location
	opts     Options
	log      zerolog.Logger
}

// New creates a materializer normalizing times into loc
func New(s *store.Store, x *vector.Index, e embedding.Embedder, loc *time.Location, opts Options) *Materializer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Materializer{
		store:    s,
		index:    x,
		embedder: e,
		loc:      loc,
		opts:     opts,
		log:      opts.Runner.Log.With().Str("component", "materialize").Logger(),
	}
}

// Full rebuilds both stores from every record. Records without an enrichment
// get the degraded one.
func (m *Materializer) Full(ctx context.Context, records []domain.RawRecord, enriched map[string]domain.EnrichedRecord) (Report, error) {
	events, entries, report := m.prepare(records, enriched)

	m.log.Info().Int("events", len(events)).Int("sub_activities", len(entries)).Msg("rebuilding relational store")
	if err := m.store.Rebuild(ctx, events); err != nil {
		return report, fmt.Errorf("rebuild relational store: %w", err)
	}
	report.Events = len(events)

	if err := m.embed(ctx, entries); err != nil {
		return report, pendingVectors(entries, err)
	}
	if err := m.index.Rebuild(ctx, entries); err != nil {
		return report, pendingVectors(entries, err)
	}
	report.Vectors = len(entries)

	m.log.Info().Int("events", report.Events).Int("vectors", report.Vectors).Int("skipped", len(report.Skipped)).Msg("full materialization done")
	return report, nil
}

// Incremental replace-upserts the records named by newIDs and appends their
// sub-activities to the index. The caller guarantees the ids are unseen by
// the index.
func (m *Materializer) Incremental(ctx context.Context, records []domain.RawRecord, enriched map[string]domain.EnrichedRecord, newIDs []string) (Report, error) {
	wanted := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		wanted[id] = true
	}
	var subset []domain.RawRecord
	for _, rec := range records {
		if wanted[rec.ID] {
			subset = append(subset, rec)
		}
	}

	events, entries, report := m.prepare(subset, enriched)

	if err := m.store.Upsert(ctx, events); err != nil {
		// the index is untouched, so every event still lacks its vectors
		return report, err
	}
	report.Events = len(events)

	if err := m.embed(ctx, entries); err != nil {
		return report, pendingVectors(entries, err)
	}
	if err := m.index.Append(ctx, entries); err != nil {
		return report, pendingVectors(entries, err)
	}
	report.Vectors = len(entries)

	m.log.Info().Int("events", report.Events).Int("vectors", report.Vectors).Int("skipped", len(report.Skipped)).Msg("incremental materialization done")
	return report, nil
}

// prepare builds the rows of both stores, dropping duplicate ids and records
// whose times do not normalize
func (m *Materializer) prepare(records []domain.RawRecord, enriched map[string]domain.EnrichedRecord) ([]store.Event, []vector.Entry, Report) {
	report := Report{PerDate: make(map[string]int)}
	seen := make(map[string]bool, len(records))

	var events []store.Event
	var entries []vector.Entry
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true

		tf, err := temporal.Normalize(rec, m.loc)
		if err != nil {
			m.log.Warn().Err(err).Str("event_id", rec.ID).Msg("skipping record")
			report.Skipped = append(report.Skipped, Skip{ID: rec.ID, Reason: err.Error()})
			continue
		}

		e, ok := enriched[rec.ID]
		if !ok {
			e = domain.Degraded(rec)
		}
		if len(e.SubActivities) == 0 {
			e.SubActivities = []string{rec.Summary}
		}

		events = append(events, store.NewEvent(rec, tf, e))
		entries = append(entries, entriesFor(rec, tf, e)...)
		report.PerDate[tf.Date]++
	}
	return events, entries, report
}

func entriesFor(rec domain.RawRecord, tf domain.TemporalFields, e domain.EnrichedRecord) []vector.Entry {
	out := make([]vector.Entry, 0, len(e.SubActivities))
	for i, activity := range e.SubActivities {
		out = append(out, vector.Entry{
			EventID:         rec.ID,
			Activity:        activity,
			ParentSummary:   rec.Summary,
			Category:        e.PrimaryCategory(),
			Categories:      strings.Join(e.Categories, ","),
			Date:            tf.Date,
			Year:            tf.Year,
			Month:           tf.Month,
			DayOfWeek:       tf.DayOfWeek,
			StartHour:       tf.StartHour,
			DurationMinutes: tf.DurationMinutes,
			People:          strings.Join(e.People, ","),
			Locations:       strings.Join(e.Locations, ","),
			Mood:            string(e.Mood),
			WorkDepth:       string(e.WorkDepth),
			IsProductive:    e.IsProductive,
			IsWastedTime:    e.IsWastedTime,
			Text:            EmbeddingText(e.SubActivities, i, e, tf),
		})
	}
	return out
}

// embed fills in the Vector of every entry. There is no degraded vector: a
// batch that exhausts its retries fails the run.
func (m *Materializer) embed(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if m.embedder == nil {
		return fmt.Errorf("no embedder configured")
	}

	m.log.Info().Int("texts", len(entries)).Str("model", m.embedder.Model()).Msg("embedding sub-activities")

	_, err := batch.Run(ctx, m.opts.Runner, batch.Chunk(entries, m.opts.BatchSize), batch.Job[vector.Entry, [][]float32]{
		Name: "embedding",
		Call: func(ctx context.Context, b []vector.Entry) ([][]float32, error) {
			texts := make([]string, len(b))
			for i, e := range b {
				texts[i] = e.Text
			}
			vecs, err := m.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, err
			}
			if len(vecs) != len(b) {
				return nil, fmt.Errorf("expected %d vectors, got %d", len(b), len(vecs))
			}
			return vecs, nil
		},
		// chunks alias entries, so this writes through
		Commit: func(b []vector.Entry, vecs [][]float32) error {
			for i := range b {
				b[i].Vector = vecs[i]
			}
			return nil
		},
	})
	return err
}

func pendingVectors(entries []vector.Entry, err error) error {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if !seen[e.EventID] {
			seen[e.EventID] = true
			ids = append(ids, e.EventID)
		}
	}
	return &store.UpsertError{Pending: ids, Err: fmt.Errorf("vector index: %w", err)}
}
