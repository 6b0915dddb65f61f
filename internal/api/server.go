// Package api serves read-only queries over one target's stores and a sync
// trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/pipeline"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

// Config wires a server to its target
type Config struct {
	Target   string
	Addr     string
	Store    *store.Store
	Registry *vector.Registry
	Embedder embedding.Embedder
	// Orchestrator and Source may be nil, which disables POST /sync
	Orchestrator *pipeline.Orchestrator
	Source       pipeline.Source
	Log          zerolog.Logger
}

// Server handles HTTP requests for the event stores
type Server struct {
	cfg   Config
	paths pipeline.Paths
	log   zerolog.Logger
}

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = vector.NewRegistry()
	}
	return &Server{
		cfg:   cfg,
		paths: pipeline.PathsFor(cfg.Target),
		log:   cfg.Log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Events
	mux.HandleFunc("GET /events", s.listEvents)
	mux.HandleFunc("GET /events/{id}", s.getEvent)
	mux.HandleFunc("GET /events/{id}/similar", s.similarEvents)

	// Semantic search
	mux.HandleFunc("GET /search", s.search)

	// Aggregates
	mux.HandleFunc("GET /taxonomy", s.taxonomy)
	mux.HandleFunc("GET /stats", s.stats)

	// Sync
	mux.HandleFunc("GET /sync", s.syncState)
	mux.HandleFunc("POST /sync", s.sync)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(s.withLogging(mux))
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Category: q.Get("category"),
		Person:   q.Get("person"),
		From:     q.Get("from"),
		To:       q.Get("to"),
		Limit:    20,
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	events, err := s.cfg.Store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.cfg.Store.GetEvent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) similarEvents(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	idx, release, err := s.cfg.Registry.Acquire(s.paths.Vectors)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer release()

	id := r.PathValue("id")
	matches, err := idx.Similar(r.Context(), id, n)
	if errors.Is(err, vector.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not indexed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id": id,
		"matches":  nonNil(matches),
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	n, err := intParam(r, "n", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "no embedding provider configured")
		return
	}

	vec, err := embedding.Embed(r.Context(), s.cfg.Embedder, query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	idx, release, err := s.cfg.Registry.Acquire(s.paths.Vectors)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer release()
	matches, err := idx.Search(r.Context(), vec, n, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"matches": nonNil(matches),
	})
}

func (s *Server) taxonomy(w http.ResponseWriter, r *http.Request) {
	tax, err := enrich.LoadTaxonomy(s.paths.Taxonomy)
	if errors.Is(err, enrich.ErrNoTaxonomy) {
		writeError(w, http.StatusNotFound, "taxonomy not built yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tax)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.cfg.Store.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cats, err := s.cfg.Store.CategoryDistribution(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	people, err := s.cfg.Store.PeopleFrequency(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastSync, _, err := s.cfg.Store.GetMeta(ctx, store.MetaLastSync)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        st,
		"categories":   nonNil(cats),
		"people":       nonNil(people),
		"last_sync_at": lastSync,
	})
}

func (s *Server) syncState(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	state, err := s.cfg.Orchestrator.State(r.Context(), s.cfg.Target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil || s.cfg.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}

	res, err := s.cfg.Orchestrator.Sync(r.Context(), s.cfg.Target, s.cfg.Source)
	if errors.Is(err, pipeline.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("sync failed")
		var se *pipeline.StageError
		if errors.As(err, &se) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "stage": string(se.Stage)})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":  res,
		"summary": res.Summary(),
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("parameter %q must be a positive integer", name)
	}
	return n, nil
}

// parseFilter reads metadata predicates from the query string
func parseFilter(r *http.Request) (vector.Filter, error) {
	q := r.URL.Query()
	f := vector.Filter{
		Category:  q.Get("category"),
		DayOfWeek: q.Get("day_of_week"),
		Mood:      q.Get("mood"),
		WorkDepth: q.Get("work_depth"),
		Person:    q.Get("person"),
	}

	var err error
	if f.Year, err = optionalInt(q.Get("year"), "year"); err != nil {
		return f, err
	}
	if f.Month, err = optionalInt(q.Get("month"), "month"); err != nil {
		return f, err
	}
	if f.IsProductive, err = optionalBool(q.Get("productive"), "productive"); err != nil {
		return f, err
	}
	if f.IsWastedTime, err = optionalBool(q.Get("wasted"), "wasted"); err != nil {
		return f, err
	}
	if f.MinStartHour, err = optionalFloat(q.Get("min_hour"), "min_hour"); err != nil {
		return f, err
	}
	if f.MaxStartHour, err = optionalFloat(q.Get("max_hour"), "max_hour"); err != nil {
		return f, err
	}
	return f, nil
}

func optionalInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q must be an integer", name)
	}
	return n, nil
}

func optionalBool(v, name string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("parameter %q must be a boolean", name)
	}
	return &b, nil
}

func optionalFloat(v, name string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("parameter %q must be a number", name)
	}
	return &f, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
