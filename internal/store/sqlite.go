// Package store is the relational side of the materialized data: one events
// row per record with its sub-activities and people, plus sync bookkeeping.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

//go:embed schema.sql
var schema string

// Keys of the sync_meta table
const (
	MetaBootstrapCompleted = "bootstrap_completed_at"
	MetaLastSync           = "last_sync_at"
	MetaLastRunID          = "last_run_id"
)

// ErrNotFound is returned when an event id has no row
var ErrNotFound = errors.New("event not found")

// Event is an events row joined with its child rows
type Event struct {
	ID      string `json:"event_id"`
	Summary string `json:"summary"`
	Start   string `json:"start_dt"`
	End     string `json:"end_dt"`
	domain.TemporalFields
	SubActivities []string `json:"sub_activities"`
	Categories    []string `json:"categories"`
	People        []string `json:"people"`
	Locations     []string `json:"locations"`
	WorkDepth     string   `json:"work_depth,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	IsProductive  bool     `json:"is_productive"`
	IsWastedTime  bool     `json:"is_wasted_time"`
	Description   string   `json:"description,omitempty"`
	Location      string   `json:"location_raw,omitempty"`
}

// NewEvent flattens a record, its temporal fields and its enrichment into a row
func NewEvent(rec domain.RawRecord, tf domain.TemporalFields, e domain.EnrichedRecord) Event {
	return Event{
		ID:             rec.ID,
		Summary:        rec.Summary,
		Start:          rec.Start,
		End:            rec.End,
		TemporalFields: tf,
		SubActivities:  e.SubActivities,
		Categories:     e.Categories,
		People:         e.People,
		Locations:      e.Locations,
		WorkDepth:      string(e.WorkDepth),
		Mood:           string(e.Mood),
		IsProductive:   e.IsProductive,
		IsWastedTime:   e.IsWastedTime,
		Description:    rec.Description,
		Location:       rec.Location,
	}
}

// UpsertError reports which events were not written when an upsert stopped
type UpsertError struct {
	Pending []string
	Err     error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert: %d events not written: %v", len(e.Pending), e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; keeps transactions from contending with reads
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Rebuild replaces every event with events in a single transaction.
// Sync bookkeeping survives.
func (s *Store) Rebuild(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"sub_activities", "event_people", "events"} {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}

	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Upsert replaces each event and its child rows, one transaction per event.
// On failure the returned *UpsertError lists the events not yet written.
func (s *Store) Upsert(ctx context.Context, events []Event) error {
	for i, ev := range events {
		if err := s.upsertOne(ctx, ev); err != nil {
			pending := make([]string, 0, len(events)-i)
			for _, rest := range events[i:] {
				pending = append(pending, rest.ID)
			}
			return &UpsertError{Pending: pending, Err: err}
		}
	}
	return nil
}

func (s *Store) upsertOne(ctx context.Context, ev Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	for _, table := range []string{"sub_activities", "event_people"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE event_id = ?", ev.ID); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, ev.ID, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO events (
			event_id, summary, start_dt, end_dt, date, year, month, day_of_week,
			start_hour, duration_minutes, all_day, categories, people, locations,
			work_depth, mood, is_productive, is_wasted_time, description, location_raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Summary, ev.Start, ev.End, ev.Date, ev.Year, ev.Month, ev.DayOfWeek,
		ev.StartHour, ev.DurationMinutes, ev.AllDay,
		encodeList(ev.Categories), encodeList(ev.People), encodeList(ev.Locations),
		nullable(ev.WorkDepth), nullable(ev.Mood), ev.IsProductive, ev.IsWastedTime,
		ev.Description, ev.Location,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}

	var primary any
	if len(ev.Categories) > 0 {
		primary = ev.Categories[0]
	}
	people := encodeList(ev.People)
	for _, activity := range ev.SubActivities {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sub_activities (event_id, activity, category, people) VALUES (?, ?, ?, ?)",
			ev.ID, activity, primary, people,
		); err != nil {
			return fmt.Errorf("insert sub-activity for %s: %w", ev.ID, err)
		}
	}

	for _, person := range ev.People {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_people (event_id, person) VALUES (?, ?)",
			ev.ID, person,
		); err != nil {
			return fmt.Errorf("insert person for %s: %w", ev.ID, err)
		}
	}
	return nil
}

// EventIDs returns every stored event id
func (s *Store) EventIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_id FROM events")
	if err != nil {
		return nil, fmt.Errorf("list event ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ListFilter narrows ListEvents; zero fields match everything
type ListFilter struct {
	Category string
	Person   string
	From     string // inclusive YYYY-MM-DD
	To       string // inclusive YYYY-MM-DD
	Limit    int
	Offset   int
}

const eventColumns = `event_id, summary, start_dt, end_dt, date, year, month, day_of_week,
	start_hour, duration_minutes, all_day, categories, people, locations,
	work_depth, mood, is_productive, is_wasted_time, description, location_raw`

// ListEvents returns events newest first
func (s *Store) ListEvents(ctx context.Context, f ListFilter) ([]Event, error) {
	var where []string
	var args []any
	if f.Category != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(events.categories) WHERE value = ?)")
		args = append(args, f.Category)
	}
	if f.Person != "" {
		where = append(where, "event_id IN (SELECT event_id FROM event_people WHERE person = ? COLLATE NOCASE)")
		args = append(args, f.Person)
	}
	if f.From != "" {
		where = append(where, "date >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "date <= ?")
		args = append(args, f.To)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, start_hour DESC, event_id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	for i := range events {
		acts, err := s.subActivities(ctx, events[i].ID)
		if err != nil {
			return nil, err
		}
		events[i].SubActivities = acts
	}
	return events, nil
}

// GetEvent retrieves an event by id with its sub-activities
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE event_id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.SubActivities, err = s.subActivities(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) subActivities(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT activity FROM sub_activities WHERE event_id = ? ORDER BY id", eventID)
	if err != nil {
		return nil, fmt.Errorf("get sub-activities: %w", err)
	}
	defer rows.Close()

	acts := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan sub-activity: %w", err)
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var ev Event
	var cats, people, locs string
	var depth, mood sql.NullString
	err := row.Scan(
		&ev.ID, &ev.Summary, &ev.Start, &ev.End, &ev.Date, &ev.Year, &ev.Month, &ev.DayOfWeek,
		&ev.StartHour, &ev.DurationMinutes, &ev.AllDay, &cats, &people, &locs,
		&depth, &mood, &ev.IsProductive, &ev.IsWastedTime, &ev.Description, &ev.Location,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, err
	}
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Categories = decodeList(cats)
	ev.People = decodeList(people)
	ev.Locations = decodeList(locs)
	ev.WorkDepth = depth.String
	ev.Mood = mood.String
	return ev, nil
}

// Stats summarizes the store contents
type Stats struct {
	Events        int    `json:"event_count"`
	SubActivities int    `json:"sub_activity_count"`
	DateMin       string `json:"date_min"`
	DateMax       string `json:"date_max"`
	UniquePeople  int    `json:"unique_people"`
}

// Stats returns row counts and the covered date range
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var minDate, maxDate sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM sub_activities),
			(SELECT MIN(date) FROM events),
			(SELECT MAX(date) FROM events),
			(SELECT COUNT(DISTINCT person) FROM event_people)
	`).Scan(&st.Events, &st.SubActivities, &minDate, &maxDate, &st.UniquePeople)
	if err != nil {
		return Stats{}, fmt.Errorf("get stats: %w", err)
	}
	st.DateMin = minDate.String
	st.DateMax = maxDate.String
	return st, nil
}

// Count is a name with the number of events carrying it
type Count struct {
	Name   string `json:"name"`
	Events int    `json:"event_count"`
}

// CategoryDistribution counts events per category, most used first
func (s *Store) CategoryDistribution(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT categories FROM events WHERE categories NOT IN ('', '[]')")
	if err != nil {
		return nil, fmt.Errorf("category distribution: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	var order []string
	for rows.Next() {
		var cats string
		if err := rows.Scan(&cats); err != nil {
			return nil, fmt.Errorf("scan categories: %w", err)
		}
		for _, c := range decodeList(cats) {
			if counts[c] == 0 {
				order = append(order, c)
			}
			counts[c]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("category distribution: %w", err)
	}

	out := make([]Count, 0, len(order))
	for _, c := range order {
		out = append(out, Count{Name: c, Events: counts[c]})
	}
	sortCounts(out)
	return out, nil
}

// PeopleFrequency counts events per person, most frequent first
func (s *Store) PeopleFrequency(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person, COUNT(*) AS event_count FROM event_people
		GROUP BY person ORDER BY event_count DESC, person`)
	if err != nil {
		return nil, fmt.Errorf("people frequency: %w", err)
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Name, &c.Events); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetMeta reads a sync_meta value; ok is false when the key is unset
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a sync_meta value
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Initialized reports whether a bootstrap has completed against this store
func (s *Store) Initialized(ctx context.Context) (bool, error) {
	_, ok, err := s.GetMeta(ctx, MetaBootstrapCompleted)
	return ok, err
}
