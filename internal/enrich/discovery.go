// Package enrich runs the two model passes over raw records: free-form tag
// discovery (consolidated once into a taxonomy) and structured enrichment
// constrained to that taxonomy. Both passes are cached per record id.
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

// Options configures a pass
type Options struct {
	BatchSize int
	// Model overrides the generator's default model
	Model     string
	MaxTokens int
	Runner    batch.Runner
}

// Stats reports how much of a pass was served from cache
type Stats struct {
	Requested int
	Cached    int
	batch.Stats
}

// Discoverer tags records with free-form activity tags
type Discoverer struct {
	gen       llm.Generator
	cache     *cache.Store[[]string]
	validator *schema.Validator
	opts      Options
	log       zerolog.Logger
}

// NewDiscoverer creates a discovery pass backed by c
func NewDiscoverer(gen llm.Generator, c *cache.Store[[]string], v *schema.Validator, opts Options) *Discoverer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Discoverer{
		gen:       gen,
		cache:     c,
		validator: v,
		opts:      opts,
		log:       opts.Runner.Log.With().Str("component", "discovery").Logger(),
	}
}

// Discover returns the tags of every record, calling the service only for
// records missing from the cache. A batch that keeps failing tags its records
// with an empty list rather than failing the pass.
func (d *Discoverer) Discover(ctx context.Context, records []domain.RawRecord) (map[string][]string, Stats, error) {
	ids, pending := pendingRecords(records, d.cache.Missing)
	stats := Stats{Requested: len(ids), Cached: len(ids) - len(pending)}

	if len(pending) > 0 {
		d.log.Info().Int("records", len(pending)).Int("cached", stats.Cached).Msg("discovering tags")

		bs, err := batch.Run(ctx, d.opts.Runner, batch.Chunk(pending, d.opts.BatchSize), batch.Job[domain.RawRecord, map[string][]string]{
			Name:    "discovery",
			Call:    d.tagBatch,
			Degrade: untagged,
			Commit: func(_ []domain.RawRecord, out map[string][]string) error {
				return d.cache.PutAll(out)
			},
		})
		stats.Stats = bs
		if err != nil {
			return d.cache.Snapshot(ids), stats, err
		}
	}

	return d.cache.Snapshot(ids), stats, nil
}

func (d *Discoverer) tagBatch(ctx context.Context, b []domain.RawRecord) (map[string][]string, error) {
	resp, err := d.gen.Generate(ctx, llm.Request{
		Prompt:    buildDiscoveryPrompt(b),
		Model:     d.opts.Model,
		MaxTokens: d.opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	doc := llm.CleanJSON(resp)
	if err := d.validator.Validate(discoverySchema, doc); err != nil {
		return nil, err
	}

	var parsed map[string][]string
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	// Only requested ids are kept; missing ones are tagged empty
	out := make(map[string][]string, len(b))
	for _, rec := range b {
		tags := []string{}
		for _, tag := range parsed[rec.ID] {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
		out[rec.ID] = tags
	}
	return out, nil
}

func untagged(b []domain.RawRecord, _ error) map[string][]string {
	out := make(map[string][]string, len(b))
	for _, rec := range b {
		out[rec.ID] = []string{}
	}
	return out
}

// pendingRecords returns every distinct id in order and the first record of
// each id that missing reports as uncached
func pendingRecords(records []domain.RawRecord, missing func([]string) []string) ([]string, []domain.RawRecord) {
	byID := make(map[string]domain.RawRecord, len(records))
	var ids []string
	for _, rec := range records {
		if _, ok := byID[rec.ID]; ok {
			continue
		}
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	var pending []domain.RawRecord
	for _, id := range missing(ids) {
		pending = append(pending, byID[id])
	}
	return ids, pending
}
