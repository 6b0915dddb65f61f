package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/AyaanMahimwala/RTT-Reader/internal/batch"
	"github.com/AyaanMahimwala/RTT-Reader/internal/cache"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/llm"
	"github.com/AyaanMahimwala/RTT-Reader/internal/schema"
)

// Enricher extracts structured attributes constrained to a taxonomy
type Enricher struct {
	gen       llm.Generator
	cache     *cache.Store[domain.EnrichedRecord]
	validator *schema.Validator
	opts      Options
	log       zerolog.Logger
}

// NewEnricher creates an enrichment pass backed by c
func NewEnricher(gen llm.Generator, c *cache.Store[domain.EnrichedRecord], v *schema.Validator, opts Options) *Enricher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	return &Enricher{
		gen:       gen,
		cache:     c,
		validator: v,
		opts:      opts,
		log:       opts.Runner.Log.With().Str("component", "enrichment").Logger(),
	}
}

// Enrich returns an EnrichedRecord for every record. Cached records are never
// sent again; a batch that keeps failing gets the degraded record per entry.
func (e *Enricher) Enrich(ctx context.Context, records []domain.RawRecord, t *domain.Taxonomy) (map[string]domain.EnrichedRecord, Stats, error) {
	if t == nil || len(t.Categories) == 0 {
		return nil, Stats{}, fmt.Errorf("enrichment requires a taxonomy")
	}

	ids, pending := pendingRecords(records, e.cache.Missing)
	stats := Stats{Requested: len(ids), Cached: len(ids) - len(pending)}

	var runErr error
	if len(pending) > 0 {
		e.log.Info().Int("records", len(pending)).Int("cached", stats.Cached).Msg("enriching records")

		system := buildEnrichmentSystem(t)
		shape := enrichmentSchema(t)

		bs, err := batch.Run(ctx, e.opts.Runner, batch.Chunk(pending, e.opts.BatchSize), batch.Job[domain.RawRecord, map[string]domain.EnrichedRecord]{
			Name: "enrichment",
			Call: func(ctx context.Context, b []domain.RawRecord) (map[string]domain.EnrichedRecord, error) {
				return e.enrichBatch(ctx, b, system, shape, t)
			},
			Degrade: degradedBatch,
			Commit: func(_ []domain.RawRecord, out map[string]domain.EnrichedRecord) error {
				return e.cache.PutAll(out)
			},
		})
		stats.Stats = bs
		runErr = err
	}

	out := e.cache.Snapshot(ids)
	for id, rec := range out {
		out[id] = restrictCategories(rec, t)
	}
	return out, stats, runErr
}

func (e *Enricher) enrichBatch(ctx context.Context, b []domain.RawRecord, system string, shape map[string]any, t *domain.Taxonomy) (map[string]domain.EnrichedRecord, error) {
	resp, err := e.gen.Generate(ctx, llm.Request{
		System:    system,
		Prompt:    buildEnrichmentPrompt(b),
		Model:     e.opts.Model,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	doc := llm.CleanJSON(resp)
	if err := e.validator.Validate(shape, doc); err != nil {
		return nil, err
	}

	var parsed []domain.EnrichedRecord
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	byID := make(map[string]domain.EnrichedRecord, len(parsed))
	for _, rec := range parsed {
		byID[rec.EventID] = rec
	}

	out := make(map[string]domain.EnrichedRecord, len(b))
	var missing []string
	for _, rec := range b {
		got, ok := byID[rec.ID]
		if !ok {
			missing = append(missing, rec.ID)
			continue
		}
		out[rec.ID] = normalizeRecord(got, t)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("response missing %d of %d events: %s", len(missing), len(b), strings.Join(missing, ", "))
	}
	return out, nil
}

func degradedBatch(b []domain.RawRecord, _ error) map[string]domain.EnrichedRecord {
	out := make(map[string]domain.EnrichedRecord, len(b))
	for _, rec := range b {
		out[rec.ID] = domain.Degraded(rec)
	}
	return out
}

// normalizeRecord trims strings, drops empties and duplicate categories
func normalizeRecord(rec domain.EnrichedRecord, t *domain.Taxonomy) domain.EnrichedRecord {
	rec.SubActivities = cleanList(rec.SubActivities)
	rec.People = cleanList(rec.People)
	rec.Locations = cleanList(rec.Locations)
	return restrictCategories(rec, t)
}

// restrictCategories keeps at most three distinct taxonomy categories
func restrictCategories(rec domain.EnrichedRecord, t *domain.Taxonomy) domain.EnrichedRecord {
	cats := []string{}
	seen := map[string]bool{}
	for _, c := range rec.Categories {
		if seen[c] || !t.Has(c) {
			continue
		}
		seen[c] = true
		cats = append(cats, c)
		if len(cats) == 3 {
			break
		}
	}
	rec.Categories = cats
	return rec
}

func cleanList(items []string) []string {
	out := []string{}
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
