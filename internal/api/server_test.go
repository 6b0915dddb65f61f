package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/pipeline"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

type fakeEmbedder struct {
	texts []string
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// blockingSource holds a sync in its fetch step until released
type blockingSource struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *blockingSource) Fetch(ctx context.Context, _ time.Time) ([]domain.RawRecord, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil, errors.New("calendar unavailable")
}

type emptySource struct{}

func (emptySource) Fetch(context.Context, time.Time) ([]domain.RawRecord, error) { return nil, nil }

func event(id, date string, cats, people []string, acts ...string) store.Event {
	rec := domain.RawRecord{ID: id, Summary: "summary " + id, Start: date + "T09:00:00Z", End: date + "T10:00:00Z"}
	tf := domain.TemporalFields{Date: date, Year: 2024, Month: 6, DayOfWeek: "Saturday", StartHour: 9, DurationMinutes: 60}
	return store.NewEvent(rec, tf, domain.EnrichedRecord{
		EventID:       id,
		SubActivities: acts,
		People:        people,
		Locations:     []string{},
		Categories:    cats,
		IsProductive:  true,
	})
}

func entry(eventID, activity, category string, vec ...float32) vector.Entry {
	return vector.Entry{
		EventID:       eventID,
		Activity:      activity,
		ParentSummary: activity,
		Category:      category,
		Categories:    category,
		Date:          "2024-06-01",
		Year:          2024,
		Month:         6,
		DayOfWeek:     "Saturday",
		StartHour:     9,
		IsProductive:  category == "deep_work",
		Text:          activity,
		Vector:        vec,
	}
}

type fixture struct {
	dir      string
	store    *store.Store
	registry *vector.Registry
	embedder *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	paths := pipeline.PathsFor(dir)

	st, err := store.New(paths.DB)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Rebuild(ctx, []store.Event{
		event("a", "2024-06-01", []string{"deep_work"}, []string{"Sam"}, "coding"),
		event("b", "2024-06-02", []string{"social"}, []string{"Sam", "Ana"}, "coffee"),
		event("c", "2024-06-03", []string{"fitness"}, nil, "running"),
	}))
	require.NoError(t, st.SetMeta(ctx, store.MetaLastSync, "2024-06-03T12:00:00Z"))

	reg := vector.NewRegistry()
	t.Cleanup(func() { reg.Close() })
	idx, release, err := reg.Acquire(paths.Vectors)
	require.NoError(t, err)
	defer release()
	require.NoError(t, idx.Rebuild(ctx, []vector.Entry{
		entry("a", "coding", "deep_work", 1, 0),
		entry("b", "coffee", "social", 0.6, 0.8),
		entry("c", "running", "fitness", 0, 1),
	}))

	require.NoError(t, enrich.SaveTaxonomy(paths.Taxonomy, &domain.Taxonomy{Categories: []domain.Category{
		{Name: "deep_work", Description: "Focused work", RawTags: []string{"coding"}},
		{Name: "social", Description: "Time with people", RawTags: []string{"coffee"}},
	}}))

	return &fixture{dir: dir, store: st, registry: reg, embedder: &fakeEmbedder{}}
}

func (f *fixture) server(orch *pipeline.Orchestrator, src pipeline.Source) http.Handler {
	return New(Config{
		Target:       f.dir,
		Store:        f.store,
		Registry:     f.registry,
		Embedder:     f.embedder,
		Orchestrator: orch,
		Source:       src,
		Log:          zerolog.Nop(),
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	h := newFixture(t).server(nil, nil)
	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListEvents(t *testing.T) {
	h := newFixture(t).server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/events?person=sam&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].(map[string]any)["event_id"])
	assert.Equal(t, float64(5), body["limit"])

	_, body = do(t, h, http.MethodGet, "/events?category=nothing")
	assert.Empty(t, body["events"])
	assert.NotNil(t, body["events"])
}

func TestGetEvent(t *testing.T) {
	h := newFixture(t).server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/events/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "summary a", body["summary"])
	assert.Equal(t, []any{"coding"}, body["sub_activities"])

	rec, body = do(t, h, http.MethodGet, "/events/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "event not found", body["error"])
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	h := f.server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/search?q=writing+code&n=2")
	require.Equal(t, http.StatusOK, rec.Code)
	matches := body["matches"].([]any)
	require.Len(t, matches, 2)
	first := matches[0].(map[string]any)
	assert.Equal(t, "a", first["event_id"])
	assert.Equal(t, 1.0, first["similarity_score"])
	assert.Equal(t, []string{"writing code"}, f.embedder.texts)

	_, body = do(t, h, http.MethodGet, "/search?q=anything&category=fitness")
	matches = body["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].(map[string]any)["event_id"])

	_, body = do(t, h, http.MethodGet, "/search?q=anything&productive=true")
	assert.Len(t, body["matches"], 1)
}

func TestSearchBadRequests(t *testing.T) {
	h := newFixture(t).server(nil, nil)

	for _, target := range []string{
		"/search",
		"/search?q=x&n=0",
		"/search?q=x&year=last",
		"/search?q=x&productive=maybe",
		"/search?q=x&min_hour=noon",
	} {
		rec, body := do(t, h, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, body["error"], target)
	}
}

func TestSimilar(t *testing.T) {
	h := newFixture(t).server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/events/a/similar?n=1")
	require.Equal(t, http.StatusOK, rec.Code)
	matches := body["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].(map[string]any)["event_id"])

	rec, _ = do(t, h, http.MethodGet, "/events/zzz/similar")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaxonomy(t *testing.T) {
	f := newFixture(t)
	h := f.server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/taxonomy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["categories"], 2)

	empty := New(Config{Target: t.TempDir(), Store: f.store, Log: zerolog.Nop()}).Handler()
	rec, _ = do(t, empty, http.MethodGet, "/taxonomy")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	h := newFixture(t).server(nil, nil)

	rec, body := do(t, h, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(3), stats["event_count"])
	assert.Equal(t, "2024-06-01", stats["date_min"])
	assert.Equal(t, "2024-06-03", stats["date_max"])
	assert.Equal(t, "2024-06-03T12:00:00Z", body["last_sync_at"])

	people := body["people"].([]any)
	require.NotEmpty(t, people)
	assert.Equal(t, "Sam", people[0].(map[string]any)["name"])
	assert.Len(t, body["categories"], 3)
}

func TestSyncNotConfigured(t *testing.T) {
	h := newFixture(t).server(nil, nil)
	rec, _ := do(t, h, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	orch := pipeline.New(nil, nil, f.registry, pipeline.Options{}, zerolog.Nop())
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	h := f.server(orch, src)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Sync(context.Background(), f.dir, src)
		done <- err
	}()
	<-src.started

	rec, body := do(t, h, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "in progress")

	_, body = do(t, h, http.MethodGet, "/sync")
	assert.Equal(t, string(pipeline.StateBootstrapping), body["state"])

	close(src.release)
	err := <-done
	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.StageFetch, se.Stage)

	rec, body = do(t, h, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "fetch", body["stage"])
}

func TestSyncEmptySource(t *testing.T) {
	f := newFixture(t)
	orch := pipeline.New(nil, nil, f.registry, pipeline.Options{}, zerolog.Nop())
	h := f.server(orch, emptySource{})

	rec, body := do(t, h, http.MethodPost, "/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(body["summary"].(string), "No events found"))
	result := body["result"].(map[string]any)
	assert.Equal(t, "bootstrap", result["mode"])

	_, body = do(t, h, http.MethodGet, "/sync")
	assert.Equal(t, string(pipeline.StateUninitialized), body["state"])
}
