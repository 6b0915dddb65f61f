package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AyaanMahimwala/RTT-Reader/internal/batch"
	"github.com/AyaanMahimwala/RTT-Reader/internal/config"
	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/llm"
	"github.com/AyaanMahimwala/RTT-Reader/internal/materialize"
	"github.com/AyaanMahimwala/RTT-Reader/internal/pipeline"
	"github.com/AyaanMahimwala/RTT-Reader/internal/rawlog"
	"github.com/AyaanMahimwala/RTT-Reader/internal/source"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

// newGenerator returns the configured generation client and its cleanup
func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, func(), error) {
	switch cfg.Generation.Provider {
	case "gemini":
		g, err := llm.NewGemini(ctx, cfg.GenerationKey(), cfg.Generation.Model, cfg.Generation.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { g.Close() }, nil
	default:
		a, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:  cfg.GenerationKey(),
			BaseURL: cfg.Generation.BaseURL,
			Model:   cfg.Generation.Model,
			Timeout: cfg.Generation.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	e := cfg.Embedding
	if e.Provider == "voyage" {
		return embedding.NewVoyage(cfg.EmbeddingKey(), e.Model, e.BaseURL, e.Timeout)
	}
	return embedding.NewOpenAI(cfg.EmbeddingKey(), e.Model, e.BaseURL, e.Timeout)
}

// newSource prefers a configured export file over the calendar API
func newSource(ctx context.Context, cfg *config.Config, log zerolog.Logger) (pipeline.Source, error) {
	if cfg.Calendar.ExportFile != "" {
		return rawlog.FileSource{Path: cfg.Calendar.ExportFile}, nil
	}
	if cfg.Calendar.TokenFile == "" {
		return nil, fmt.Errorf("no event source: set calendar.token_file or calendar.export_file")
	}
	return source.NewCalendar(ctx, source.CalendarConfig{
		CalendarID:      cfg.Calendar.ID,
		TokenFile:       cfg.Calendar.TokenFile,
		CredentialsFile: cfg.Calendar.CredentialsFile,
	}, log)
}

// pipelineOptions maps configuration onto the passes; both generation passes
// share one limiter
func pipelineOptions(cfg *config.Config, log zerolog.Logger) (pipeline.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return pipeline.Options{}, err
	}

	policy := func(timeout time.Duration) batch.Policy {
		return batch.Policy{Attempts: cfg.Batch.Attempts, Backoff: cfg.Batch.Backoff, Timeout: timeout}
	}
	genRunner := batch.Runner{
		Concurrency: cfg.Batch.Concurrency,
		Limiter:     batch.NewLimiter(cfg.Generation.Interval),
		Policy:      policy(cfg.Generation.Timeout),
		Log:         log,
	}
	embRunner := batch.Runner{
		Concurrency: cfg.Batch.Concurrency,
		Limiter:     batch.NewLimiter(cfg.Embedding.Interval),
		Policy:      policy(cfg.Embedding.Timeout),
		Log:         log,
	}

	return pipeline.Options{
		Location:      loc,
		BootstrapDays: cfg.Sync.BootstrapDays,
		WindowDays:    cfg.Sync.WindowDays,
		Discovery:     enrich.Options{BatchSize: cfg.Batch.DiscoverySize, Runner: genRunner},
		Enrichment:    enrich.Options{BatchSize: cfg.Batch.EnrichmentSize, Runner: genRunner},
		Consolidate: enrich.ConsolidateOptions{
			Model:         cfg.Generation.ConsolidationModel,
			TopTags:       cfg.Taxonomy.TopTags,
			MinCategories: cfg.Taxonomy.MinCategories,
			MaxCategories: cfg.Taxonomy.MaxCategories,
		},
		Embedding: materialize.Options{BatchSize: cfg.Embedding.BatchSize, Runner: embRunner},
	}, nil
}

// newOrchestrator wires providers into a pipeline; the returned cleanup
// releases the generation client
func newOrchestrator(ctx context.Context, cfg *config.Config, registry *vector.Registry, log zerolog.Logger) (*pipeline.Orchestrator, embedding.Embedder, func(), error) {
	gen, closeGen, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	emb, err := newEmbedder(cfg)
	if err != nil {
		closeGen()
		return nil, nil, nil, err
	}
	opts, err := pipelineOptions(cfg, log)
	if err != nil {
		closeGen()
		return nil, nil, nil, err
	}
	return pipeline.New(gen, emb, registry, opts, log), emb, closeGen, nil
}
