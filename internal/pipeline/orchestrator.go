// Package pipeline runs the enrichment chain over a data directory: a full
// rebuild from the raw log, and sync against a source that bootstraps a new
// target and afterwards only processes records it has not seen.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AyaanMahimwala/RTT-Reader/internal/cache"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/llm"
	"github.com/AyaanMahimwala/RTT-Reader/internal/materialize"
	"github.com/AyaanMahimwala/RTT-Reader/internal/rawlog"
	"github.com/AyaanMahimwala/RTT-Reader/internal/schema"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

// Source yields raw records starting at or after since
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]domain.RawRecord, error)
}

// State is where a target is in its lifecycle
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBootstrapping State = "bootstrapping"
	StateReady         State = "ready"
	StateSyncing       State = "syncing"
)

// Paths are the files of one target
type Paths struct {
	Dir             string
	DB              string
	Vectors         string
	Taxonomy        string
	DiscoveryCache  string
	EnrichmentCache string
	RawLog          string
}

// PathsFor lays out a target directory
func PathsFor(dir string) Paths {
	return Paths{
		Dir:             dir,
		DB:              filepath.Join(dir, "calendar.db"),
		Vectors:         filepath.Join(dir, "vectors.db"),
		Taxonomy:        filepath.Join(dir, "taxonomy.json"),
		DiscoveryCache:  filepath.Join(dir, "discovery_cache.json"),
		EnrichmentCache: filepath.Join(dir, "enrichment_cache.json"),
		RawLog:          filepath.Join(dir, "calendar_raw_full.csv"),
	}
}

// Options configures every run of an orchestrator
type Options struct {
	Location      *time.Location
	BootstrapDays int
	WindowDays    int
	Discovery     enrich.Options
	Enrichment    enrich.Options
	Consolidate   enrich.ConsolidateOptions
	Embedding     materialize.Options
	// Now is overridable for tests
	Now func() time.Time
}

// Orchestrator runs syncs and rebuilds, at most one at a time per target
type Orchestrator struct {
	gen       llm.Generator
	embedder  embedding.Embedder
	registry  *vector.Registry
	validator *schema.Validator
	opts      Options
	log       zerolog.Logger

	mu     sync.Mutex
	active map[string]State
}

// New creates an orchestrator. The registry is invalidated after every write
// to a target's index; readers already holding a handle keep it until they
// release it.
func New(gen llm.Generator, emb embedding.Embedder, registry *vector.Registry, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BootstrapDays <= 0 {
		opts.BootstrapDays = 365
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if registry == nil {
		registry = vector.NewRegistry()
	}
	return &Orchestrator{
		gen:       gen,
		embedder:  emb,
		registry:  registry,
		validator: schema.NewValidator(),
		opts:      opts,
		log:       log.With().Str("component", "pipeline").Logger(),
		active:    make(map[string]State),
	}
}

// State reports the lifecycle state of target
func (o *Orchestrator) State(ctx context.Context, target string) (State, error) {
	o.mu.Lock()
	state, busy := o.active[key(target)]
	o.mu.Unlock()
	if busy {
		return state, nil
	}

	st, err := store.New(PathsFor(target).DB)
	if err != nil {
		return "", err
	}
	defer st.Close()

	ok, err := st.Initialized(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return StateReady, nil
	}
	return StateUninitialized, nil
}

func key(target string) string {
	if abs, err := filepath.Abs(target); err == nil {
		return abs
	}
	return filepath.Clean(target)
}

func (o *Orchestrator) acquire(target string, state State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[key(target)]; busy {
		return ErrSyncInProgress
	}
	o.active[key(target)] = state
	return nil
}

func (o *Orchestrator) transition(target string, state State) {
	o.mu.Lock()
	o.active[key(target)] = state
	o.mu.Unlock()
}

func (o *Orchestrator) release(target string) {
	o.mu.Lock()
	delete(o.active, key(target))
	o.mu.Unlock()
}

// run is the per-invocation context: one target, its stores and caches
type run struct {
	id    string
	paths Paths
	store *store.Store
	log   zerolog.Logger
}

func (o *Orchestrator) open(target string) (*run, error) {
	paths := PathsFor(target)
	st, err := store.New(paths.DB)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	return &run{
		id:    id,
		paths: paths,
		store: st,
		log:   o.log.With().Str("run_id", id).Str("target", target).Logger(),
	}, nil
}

// Sync brings target up to date with src. An uninitialized target is
// bootstrapped from a long history window and fully materialized; an
// initialized one only processes fetched records whose ids it has not stored.
// Partial writes of a failed run are kept; re-running is safe.
func (o *Orchestrator) Sync(ctx context.Context, target string, src Source) (*Result, error) {
	if err := o.acquire(target, StateSyncing); err != nil {
		return nil, err
	}
	defer o.release(target)

	r, err := o.open(target)
	if err != nil {
		return nil, err
	}
	defer r.store.Close()

	initialized, err := r.store.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if !initialized {
		o.transition(target, StateBootstrapping)
		return o.bootstrap(ctx, r, src)
	}
	return o.incremental(ctx, r, src)
}

// since is the start of the local day days ago
func (o *Orchestrator) since(days int) time.Time {
	now := o.opts.Now().In(o.opts.Location)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.opts.Location)
	return day.AddDate(0, 0, -days)
}

func (o *Orchestrator) bootstrap(ctx context.Context, r *run, src Source) (*Result, error) {
	since := o.since(o.opts.BootstrapDays)
	r.log.Info().Time("since", since).Msg("bootstrapping target")

	records, err := src.Fetch(ctx, since)
	if err != nil {
		return nil, stageErr(StageFetch, err)
	}
	res := &Result{RunID: r.id, Mode: ModeBootstrap, Fetched: len(records), New: len(records)}
	if len(records) == 0 {
		r.log.Info().Msg("source returned no events, target stays uninitialized")
		return res, nil
	}

	if err := rawlog.New(r.paths.RawLog).Write(records); err != nil {
		return nil, stageErr(StageFetch, fmt.Errorf("write raw log: %w", err))
	}

	if err := o.full(ctx, r, records, res); err != nil {
		return nil, err
	}
	if err := o.markComplete(ctx, r, true); err != nil {
		return nil, err
	}

	r.log.Info().Int("events", res.Upserted).Int("vectors", res.Vectors).Msg("bootstrap complete")
	return res, nil
}

func (o *Orchestrator) incremental(ctx context.Context, r *run, src Source) (*Result, error) {
	since := o.since(o.opts.WindowDays)
	r.log.Info().Time("since", since).Msg("syncing target")

	fetched, err := src.Fetch(ctx, since)
	if err != nil {
		return nil, stageErr(StageFetch, err)
	}
	res := &Result{RunID: r.id, Mode: ModeIncremental, Fetched: len(fetched)}

	existing, err := r.store.EventIDs(ctx)
	if err != nil {
		return nil, stageErr(StageMaterialization, err)
	}
	fresh, newIDs := diff(fetched, existing)
	res.New = len(newIDs)
	if len(newIDs) == 0 {
		res.UpToDate = true
		r.log.Info().Int("fetched", len(fetched)).Msg("up to date")
		return res, nil
	}

	r.log.Info().Int("fetched", len(fetched)).Int("new", len(newIDs)).Msg("found new events")
	// a failed run leaves its records logged; the retry must not repeat them
	if _, err := rawlog.New(r.paths.RawLog).AppendNew(fresh); err != nil {
		return nil, stageErr(StageFetch, fmt.Errorf("append raw log: %w", err))
	}

	discovered, err := o.discover(ctx, r, fresh, res)
	if err != nil {
		return nil, err
	}
	tax, err := o.taxonomy(ctx, r, discovered)
	if err != nil {
		return nil, err
	}
	enriched, err := o.enrich(ctx, r, fresh, tax, res)
	if err != nil {
		return nil, err
	}

	idx, release, err := o.registry.Acquire(r.paths.Vectors)
	if err != nil {
		return nil, stageErr(StageMaterialization, err)
	}
	defer release()
	// later readers reopen; current ones finish on the old handle
	defer o.invalidate(r)

	m := materialize.New(r.store, idx, o.embedder, o.opts.Location, o.opts.Embedding)
	report, err := m.Incremental(ctx, fresh, enriched, newIDs)
	o.applyReport(res, report)
	if err != nil {
		return nil, stageErr(StageMaterialization, err)
	}

	if err := o.markComplete(ctx, r, false); err != nil {
		return nil, err
	}
	r.log.Info().Int("upserted", res.Upserted).Int("vectors", res.Vectors).Msg("sync complete")
	return res, nil
}

// diff keeps the first record of every fetched id not in existing
func diff(fetched []domain.RawRecord, existing map[string]bool) ([]domain.RawRecord, []string) {
	seen := make(map[string]bool)
	var fresh []domain.RawRecord
	var ids []string
	for _, rec := range fetched {
		if rec.ID == "" || existing[rec.ID] || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		fresh = append(fresh, rec)
		ids = append(ids, rec.ID)
	}
	return fresh, ids
}

// Rebuild runs the full chain over target's raw log and replaces both stores
func (o *Orchestrator) Rebuild(ctx context.Context, target string) (*Result, error) {
	if err := o.acquire(target, StateSyncing); err != nil {
		return nil, err
	}
	defer o.release(target)

	r, err := o.open(target)
	if err != nil {
		return nil, err
	}
	defer r.store.Close()

	records, err := rawlog.New(r.paths.RawLog).Read()
	if err != nil {
		return nil, stageErr(StageFetch, err)
	}
	if len(records) == 0 {
		return nil, stageErr(StageFetch, fmt.Errorf("raw log %s is empty", r.paths.RawLog))
	}

	res := &Result{RunID: r.id, Mode: ModeRebuild, Fetched: len(records)}
	r.log.Info().Int("records", len(records)).Msg("rebuilding from raw log")
	if err := o.full(ctx, r, records, res); err != nil {
		return nil, err
	}

	initialized, err := r.store.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.markComplete(ctx, r, !initialized); err != nil {
		return nil, err
	}
	return res, nil
}

// full runs every pass over records and rebuilds both stores
func (o *Orchestrator) full(ctx context.Context, r *run, records []domain.RawRecord, res *Result) error {
	discovered, err := o.discover(ctx, r, records, res)
	if err != nil {
		return err
	}
	tax, err := o.taxonomy(ctx, r, discovered)
	if err != nil {
		return err
	}
	enriched, err := o.enrich(ctx, r, records, tax, res)
	if err != nil {
		return err
	}

	idx, release, err := o.registry.Acquire(r.paths.Vectors)
	if err != nil {
		return stageErr(StageMaterialization, err)
	}
	defer release()
	defer o.invalidate(r)

	m := materialize.New(r.store, idx, o.embedder, o.opts.Location, o.opts.Embedding)
	report, err := m.Full(ctx, records, enriched)
	o.applyReport(res, report)
	return stageErr(StageMaterialization, err)
}

func (o *Orchestrator) discover(ctx context.Context, r *run, records []domain.RawRecord, res *Result) (map[string][]string, error) {
	c, err := cache.Open[[]string](r.paths.DiscoveryCache)
	if err != nil {
		return nil, stageErr(StageDiscovery, err)
	}
	opts := o.opts.Discovery
	opts.Runner.Log = r.log

	tags, stats, err := enrich.NewDiscoverer(o.gen, c, o.validator, opts).Discover(ctx, records)
	res.Degraded += stats.Degraded
	if err != nil {
		return nil, stageErr(StageDiscovery, err)
	}
	return tags, nil
}

// taxonomy loads the persisted vocabulary, consolidating it from discovered
// on first use
func (o *Orchestrator) taxonomy(ctx context.Context, r *run, discovered map[string][]string) (*domain.Taxonomy, error) {
	tax, err := enrich.LoadTaxonomy(r.paths.Taxonomy)
	if err == nil {
		return tax, nil
	}
	if !errors.Is(err, enrich.ErrNoTaxonomy) {
		return nil, stageErr(StageConsolidation, err)
	}

	r.log.Info().Int("records", len(discovered)).Msg("consolidating taxonomy")
	tax, err = enrich.Consolidate(ctx, o.gen, o.validator, discovered, o.opts.Consolidate)
	if err != nil {
		return nil, stageErr(StageConsolidation, err)
	}
	if err := enrich.SaveTaxonomy(r.paths.Taxonomy, tax); err != nil {
		return nil, stageErr(StageConsolidation, err)
	}
	r.log.Info().Strs("categories", tax.Names()).Msg("taxonomy saved")
	return tax, nil
}

func (o *Orchestrator) enrich(ctx context.Context, r *run, records []domain.RawRecord, tax *domain.Taxonomy, res *Result) (map[string]domain.EnrichedRecord, error) {
	c, err := cache.Open[domain.EnrichedRecord](r.paths.EnrichmentCache)
	if err != nil {
		return nil, stageErr(StageEnrichment, err)
	}
	opts := o.opts.Enrichment
	opts.Runner.Log = r.log

	enriched, stats, err := enrich.NewEnricher(o.gen, c, o.validator, opts).Enrich(ctx, records, tax)
	res.Enriched += stats.Records
	res.Cached += stats.Cached
	res.Degraded += stats.Degraded
	if err != nil {
		return nil, stageErr(StageEnrichment, err)
	}
	return enriched, nil
}

func (o *Orchestrator) applyReport(res *Result, report materialize.Report) {
	res.Upserted = report.Events
	res.Vectors = report.Vectors
	res.Skipped = report.Skipped
	res.PerDate = report.PerDate
}

func (o *Orchestrator) invalidate(r *run) {
	if err := o.registry.Invalidate(r.paths.Vectors); err != nil {
		r.log.Warn().Err(err).Msg("close vector index")
	}
}

// markComplete records a finished run; bootstrap also flags the target initialized
func (o *Orchestrator) markComplete(ctx context.Context, r *run, bootstrap bool) error {
	now := o.opts.Now().UTC().Format(time.RFC3339)
	if bootstrap {
		if err := r.store.SetMeta(ctx, store.MetaBootstrapCompleted, now); err != nil {
			return stageErr(StageMaterialization, err)
		}
	}
	if err := r.store.SetMeta(ctx, store.MetaLastSync, now); err != nil {
		return stageErr(StageMaterialization, err)
	}
	return stageErr(StageMaterialization, r.store.SetMeta(ctx, store.MetaLastRunID, r.id))
}
