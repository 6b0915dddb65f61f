package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/AyaanMahimwala/RTT-Reader/internal/cache"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/llm"
	"github.com/AyaanMahimwala/RTT-Reader/internal/schema"
)

// ErrNoTaxonomy is returned by LoadTaxonomy when none has been consolidated yet
var ErrNoTaxonomy = errors.New("taxonomy not found")

// TagCount is a lowercased discovery tag and how many records carry it
type TagCount struct {
	Tag   string
	Count int
}

// CountTags aggregates tag frequencies, most frequent first, ties by tag
func CountTags(discovered map[string][]string) []TagCount {
	counts := make(map[string]int)
	for _, tags := range discovered {
		for _, tag := range tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" {
				counts[tag]++
			}
		}
	}

	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// ConsolidateOptions bounds the consolidation request
type ConsolidateOptions struct {
	Model         string
	TopTags       int
	MinCategories int
	MaxCategories int
	MaxTokens     int
}

// Consolidate collapses discovered tags into a bounded taxonomy with a single
// request. Any failure is returned: there is no degraded vocabulary.
func Consolidate(ctx context.Context, gen llm.Generator, v *schema.Validator, discovered map[string][]string, opts ConsolidateOptions) (*domain.Taxonomy, error) {
	if opts.TopTags <= 0 {
		opts.TopTags = 200
	}
	if opts.MinCategories <= 0 {
		opts.MinCategories = 10
	}
	if opts.MaxCategories < opts.MinCategories {
		opts.MaxCategories = 20
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	counts := CountTags(discovered)
	if len(counts) == 0 {
		return nil, fmt.Errorf("no discovery tags to consolidate")
	}
	if len(counts) > opts.TopTags {
		counts = counts[:opts.TopTags]
	}

	resp, err := gen.Generate(ctx, llm.Request{
		Prompt:    buildConsolidationPrompt(counts, len(discovered), opts.MinCategories, opts.MaxCategories),
		Model:     opts.Model,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate taxonomy: %w", err)
	}

	doc := llm.CleanJSON(resp)
	if err := v.Validate(taxonomySchema(opts.MaxCategories), doc); err != nil {
		return nil, fmt.Errorf("taxonomy response: %w", err)
	}

	var t domain.Taxonomy
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if err := checkTaxonomy(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func checkTaxonomy(t *domain.Taxonomy) error {
	if len(t.Categories) == 0 {
		return fmt.Errorf("taxonomy has no categories")
	}
	seen := make(map[string]bool, len(t.Categories))
	for _, c := range t.Categories {
		if c.Name == "" {
			return fmt.Errorf("taxonomy has a category without a name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// LoadTaxonomy reads the persisted taxonomy
func LoadTaxonomy(path string) (*domain.Taxonomy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoTaxonomy
	}
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}

	var t domain.Taxonomy
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	if err := checkTaxonomy(&t); err != nil {
		return nil, fmt.Errorf("taxonomy %s: %w", path, err)
	}
	return &t, nil
}

// SaveTaxonomy persists t atomically
func SaveTaxonomy(path string, t *domain.Taxonomy) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode taxonomy: %w", err)
	}
	return cache.WriteFileAtomic(path, data)
}
