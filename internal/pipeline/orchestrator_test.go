package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyaanMahimwala/RTT-Reader/internal/batch"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/llm"
	"github.com/AyaanMahimwala/RTT-Reader/internal/materialize"
	"github.com/AyaanMahimwala/RTT-Reader/internal/rawlog"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

var (
	discoveryIDs  = regexp.MustCompile(`(?m)^\d+\. \[([^\]]+)\]`)
	enrichmentIDs = regexp.MustCompile(`event_id="([^"]+)"`)
)

// fakeGenerator answers all three kinds of prompt
type fakeGenerator struct {
	mu                sync.Mutex
	discovery         int
	consolidation     int
	enrichment        int
	enrichedIDs       []string
	badTaxonomy       bool
	failingEnrichment bool
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.Contains(req.Prompt, "clean taxonomy"):
		g.consolidation++
		if g.badTaxonomy {
			return "no taxonomy today", nil
		}
		return `{"categories": [
			{"name": "deep_work", "description": "Focused work", "raw_tags": ["coding"]},
			{"name": "social", "description": "Time with people", "raw_tags": ["coffee"]}
		]}`, nil

	case req.System != "":
		g.enrichment++
		if g.failingEnrichment {
			return "", errors.New("api error (status 529)")
		}
		var out []map[string]any
		for _, m := range enrichmentIDs.FindAllStringSubmatch(req.Prompt, -1) {
			g.enrichedIDs = append(g.enrichedIDs, m[1])
			out = append(out, map[string]any{
				"event_id":       m[1],
				"sub_activities": []string{"coffee", "coding"},
				"people":         []string{"Sam"},
				"locations":      []string{},
				"categories":     []string{"social"},
				"work_depth":     nil,
				"mood":           "positive",
				"is_productive":  true,
				"is_wasted_time": false,
			})
		}
		b, _ := json.Marshal(out)
		return string(b), nil

	default:
		g.discovery++
		out := map[string][]string{}
		for _, m := range discoveryIDs.FindAllStringSubmatch(req.Prompt, -1) {
			out[m[1]] = []string{"coffee", "coding"}
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discovery + g.consolidation + g.enrichment
}

type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake-embed" }

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{1, float32(len(t))}
	}
	return out, nil
}

type fakeSource struct {
	records []domain.RawRecord
	err     error
	since   time.Time
}

func (s *fakeSource) Fetch(_ context.Context, since time.Time) ([]domain.RawRecord, error) {
	s.since = since
	return s.records, s.err
}

func rec(id, summary, day string) domain.RawRecord {
	return domain.RawRecord{
		ID:      id,
		Summary: summary,
		Start:   "2024-06-" + day + "T09:00:00Z",
		End:     "2024-06-" + day + "T10:00:00Z",
	}
}

var now = time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

func newOrchestrator(gen llm.Generator) *Orchestrator {
	runner := batch.Runner{Concurrency: 2, Policy: batch.Policy{Attempts: 3}, Log: zerolog.Nop()}
	return New(gen, fakeEmbedder{}, vector.NewRegistry(), Options{
		Location:    time.UTC,
		Discovery:   enrich.Options{BatchSize: 2, Runner: runner},
		Enrichment:  enrich.Options{BatchSize: 2, Runner: runner},
		Consolidate: enrich.ConsolidateOptions{MinCategories: 2, MaxCategories: 5},
		Embedding:   materialize.Options{BatchSize: 3, Runner: runner},
		Now:         func() time.Time { return now },
	}, zerolog.Nop())
}

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s, err := store.New(PathsFor(dir).DB)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSync_Bootstrap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	o := newOrchestrator(gen)

	state, err := o.State(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)

	src := &fakeSource{records: []domain.RawRecord{rec("a", "Coffee", "01"), rec("b", "Coding", "02"), rec("c", "Lunch", "03")}}
	res, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)

	assert.Equal(t, ModeBootstrap, res.Mode)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Upserted)
	assert.Equal(t, 6, res.Vectors)
	assert.Equal(t, time.Date(2023, 6, 11, 0, 0, 0, 0, time.UTC), src.since)
	assert.Equal(t, 1, gen.consolidation)

	state, err = o.State(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	logged, err := rawlog.New(PathsFor(dir).RawLog).Read()
	require.NoError(t, err)
	assert.Len(t, logged, 3)

	_, err = enrich.LoadTaxonomy(PathsFor(dir).Taxonomy)
	require.NoError(t, err)

	s := openStore(t, dir)
	v, ok, err := s.GetMeta(ctx, store.MetaLastRunID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res.RunID, v)
}

func TestSync_IncrementalProcessesOnlyNewIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	o := newOrchestrator(gen)

	src := &fakeSource{records: []domain.RawRecord{rec("A", "Coffee", "01"), rec("B", "Coding", "02"), rec("C", "Lunch", "03")}}
	_, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)

	gen.enrichedIDs = nil
	src.records = []domain.RawRecord{rec("B", "Coding", "02"), rec("C", "Lunch", "03"), rec("D", "Gym", "04"), rec("E", "Dinner", "05")}
	res, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)

	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 2, res.Upserted)
	assert.ElementsMatch(t, []string{"D", "E"}, gen.enrichedIDs)
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), src.since)
	assert.Equal(t, 1, gen.consolidation, "taxonomy is reused")
	assert.Equal(t, map[string]int{"2024-06-04": 1, "2024-06-05": 1}, res.PerDate)

	s := openStore(t, dir)
	ids, err := s.EventIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true, "D": true, "E": true}, ids)

	x, err := vector.Open(PathsFor(dir).Vectors)
	require.NoError(t, err)
	defer x.Close()
	n, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	logged, err := rawlog.New(PathsFor(dir).RawLog).Read()
	require.NoError(t, err)
	assert.Len(t, logged, 5)
}

func TestSync_RetriedIncrementalDoesNotDuplicateRawLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	o := newOrchestrator(&fakeGenerator{})
	paths := PathsFor(dir)

	src := &fakeSource{records: []domain.RawRecord{rec("A", "Coffee", "01")}}
	_, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)

	taxonomy, err := os.ReadFile(paths.Taxonomy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.Taxonomy, []byte("{not json"), 0o644))

	src.records = []domain.RawRecord{rec("A", "Coffee", "01"), rec("B", "Coding", "02"), rec("C", "Lunch", "03")}
	_, err = o.Sync(ctx, dir, src)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageConsolidation, se.Stage)

	require.NoError(t, os.WriteFile(paths.Taxonomy, taxonomy, 0o644))
	res, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)

	logged, err := rawlog.New(paths.RawLog).Read()
	require.NoError(t, err)
	ids := make([]string, 0, len(logged))
	for _, r := range logged {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestSync_UpToDateWritesNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	o := newOrchestrator(gen)

	src := &fakeSource{records: []domain.RawRecord{rec("a", "Coffee", "01")}}
	first, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)

	logBefore, err := os.ReadFile(PathsFor(dir).RawLog)
	require.NoError(t, err)
	calls := gen.calls()

	res, err := o.Sync(ctx, dir, src)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Equal(t, 0, res.New)
	assert.Equal(t, calls, gen.calls())
	assert.Contains(t, res.Summary(), "up to date")

	logAfter, err := os.ReadFile(PathsFor(dir).RawLog)
	require.NoError(t, err)
	assert.Equal(t, logBefore, logAfter)

	s := openStore(t, dir)
	v, _, err := s.GetMeta(ctx, store.MetaLastRunID)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, v)
}

func TestSync_SameTitleDifferentIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	o := newOrchestrator(&fakeGenerator{})

	_, err := o.Sync(ctx, dir, &fakeSource{records: []domain.RawRecord{rec("x1", "Gym", "01"), rec("x2", "Gym", "02")}})
	require.NoError(t, err)

	s := openStore(t, dir)
	ids, err := s.EventIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSync_DegradedEnrichmentStillMaterializes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{failingEnrichment: true}
	o := newOrchestrator(gen)

	res, err := o.Sync(ctx, dir, &fakeSource{records: []domain.RawRecord{rec("a", "Gym", "01"), rec("b", "Nap", "02")}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Degraded)
	assert.Equal(t, 3, gen.enrichment)

	s := openStore(t, dir)
	ev, err := s.GetEvent(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"Nap"}, ev.SubActivities)
	assert.Empty(t, ev.Categories)
	assert.Empty(t, ev.People)
	assert.Empty(t, ev.Locations)
	assert.False(t, ev.IsProductive)
	assert.False(t, ev.IsWastedTime)
}

func TestSync_ConsolidationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{badTaxonomy: true}
	o := newOrchestrator(gen)

	_, err := o.Sync(ctx, dir, &fakeSource{records: []domain.RawRecord{rec("a", "Gym", "01")}})
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageConsolidation, se.Stage)
	assert.True(t, strings.HasPrefix(err.Error(), "consolidation: "))
	assert.Equal(t, 0, gen.enrichment)

	state, err := o.State(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)
}

func TestSync_FetchFailure(t *testing.T) {
	o := newOrchestrator(&fakeGenerator{})
	_, err := o.Sync(context.Background(), t.TempDir(), &fakeSource{err: errors.New("401 unauthorized")})

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageFetch, se.Stage)
}

func TestSync_EmptySourceLeavesTargetUninitialized(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	o := newOrchestrator(gen)

	res, err := o.Sync(ctx, dir, &fakeSource{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 0, gen.calls())

	state, err := o.State(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)
}

func TestSync_RejectsConcurrentRunOnSameTarget(t *testing.T) {
	ctx := context.Background()
	busy := t.TempDir()
	other := t.TempDir()
	o := newOrchestrator(&fakeGenerator{})

	require.NoError(t, o.acquire(busy, StateSyncing))
	defer o.release(busy)

	_, err := o.Sync(ctx, busy, &fakeSource{})
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = o.Rebuild(ctx, busy)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	state, err := o.State(ctx, busy)
	require.NoError(t, err)
	assert.Equal(t, StateSyncing, state)

	_, err = o.Sync(ctx, other, &fakeSource{records: []domain.RawRecord{rec("a", "Gym", "01")}})
	assert.NoError(t, err)
}

func TestRebuild_FromRawLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	o := newOrchestrator(gen)

	_, err := o.Rebuild(ctx, dir)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageFetch, se.Stage)

	records := []domain.RawRecord{rec("a", "Coffee", "01"), rec("b", "Gym", "02"), {ID: "bad", Summary: "Broken"}}
	require.NoError(t, rawlog.New(PathsFor(dir).RawLog).Write(records))

	res, err := o.Rebuild(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ModeRebuild, res.Mode)
	assert.Equal(t, 2, res.Upserted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "bad", res.Skipped[0].ID)

	state, err := o.State(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	// a second rebuild is served from the caches
	calls := gen.calls()
	_, err = o.Rebuild(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, calls, gen.calls())
}

func TestDiff(t *testing.T) {
	fetched := []domain.RawRecord{rec("B", "", "02"), rec("C", "", "03"), rec("D", "", "04"), rec("E", "", "05"), rec("D", "", "04")}
	existing := map[string]bool{"A": true, "B": true, "C": true}

	fresh, ids := diff(fetched, existing)
	assert.Equal(t, []string{"D", "E"}, ids)
	assert.Len(t, fresh, 2)
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := stageErr(StageEnrichment, cause)
	assert.Equal(t, "enrichment: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, stageErr(StageEnrichment, nil))
}
