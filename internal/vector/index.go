// Package vector is the semantic side of the materialized data: one embedded
// row per sub-activity, searched by cosine similarity under metadata filters.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
)

// ErrNotFound is returned by Similar when the event has no rows
var ErrNotFound = errors.New("no sub-activities for event")

const tableSQL = `
CREATE TABLE IF NOT EXISTS vectors (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id         TEXT NOT NULL,
    activity         TEXT NOT NULL,
    parent_summary   TEXT NOT NULL,
    category         TEXT NOT NULL DEFAULT '',
    categories       TEXT NOT NULL DEFAULT '',
    date             TEXT NOT NULL,
    year             INTEGER NOT NULL,
    month            INTEGER NOT NULL,
    day_of_week      TEXT NOT NULL,
    start_hour       REAL NOT NULL,
    duration_minutes REAL NOT NULL,
    people           TEXT NOT NULL DEFAULT '',
    locations        TEXT NOT NULL DEFAULT '',
    mood             TEXT NOT NULL DEFAULT '',
    work_depth       TEXT NOT NULL DEFAULT '',
    is_productive    INTEGER NOT NULL DEFAULT 0,
    is_wasted_time   INTEGER NOT NULL DEFAULT 0,
    text             TEXT NOT NULL,
    embedding        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_event ON vectors(event_id);
`

// Entry is one sub-activity with its denormalized event metadata
type Entry struct {
	EventID         string    `json:"event_id"`
	Activity        string    `json:"activity"`
	ParentSummary   string    `json:"parent_summary"`
	Category        string    `json:"category"`
	Categories      string    `json:"categories"`
	Date            string    `json:"date"`
	Year            int       `json:"year"`
	Month           int       `json:"month"`
	DayOfWeek       string    `json:"day_of_week"`
	StartHour       float64   `json:"start_hour"`
	DurationMinutes float64   `json:"duration_minutes"`
	People          string    `json:"people"`
	Locations       string    `json:"locations"`
	Mood            string    `json:"mood"`
	WorkDepth       string    `json:"work_depth"`
	IsProductive    bool      `json:"is_productive"`
	IsWastedTime    bool      `json:"is_wasted_time"`
	Text            string    `json:"text"`
	Vector          []float32 `json:"-"`
}

// Match is a search hit
type Match struct {
	Entry
	Score float64 `json:"similarity_score"`
}

// Filter restricts a search by exact metadata; zero fields match everything
type Filter struct {
	Category     string
	Year         int
	Month        int
	DayOfWeek    string
	Mood         string
	WorkDepth    string
	Person       string // one of the names in the people column, any case
	IsProductive *bool
	IsWastedTime *bool
	MinStartHour *float64
	MaxStartHour *float64
}

func (f Filter) where() (string, []any) {
	var parts []string
	var args []any
	add := func(clause string, arg any) {
		parts = append(parts, clause)
		args = append(args, arg)
	}

	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Year != 0 {
		add("year = ?", f.Year)
	}
	if f.Month != 0 {
		add("month = ?", f.Month)
	}
	if f.DayOfWeek != "" {
		add("day_of_week = ?", f.DayOfWeek)
	}
	if f.Mood != "" {
		add("mood = ?", f.Mood)
	}
	if f.WorkDepth != "" {
		add("work_depth = ?", f.WorkDepth)
	}
	if f.Person != "" {
		// whole names only; the column is comma-joined
		add("(',' || people || ',') LIKE ?", "%,"+f.Person+",%")
	}
	if f.IsProductive != nil {
		add("is_productive = ?", *f.IsProductive)
	}
	if f.IsWastedTime != nil {
		add("is_wasted_time = ?", *f.IsWastedTime)
	}
	if f.MinStartHour != nil {
		add("start_hour >= ?", *f.MinStartHour)
	}
	if f.MaxStartHour != nil {
		add("start_hour <= ?", *f.MaxStartHour)
	}
	return strings.Join(parts, " AND "), args
}

// Index is a SQLite-backed vector table searched exhaustively
type Index struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the index at path
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(tableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index: %w", err)
	}
	return &Index{db: db, path: path}, nil
}

// Path returns the index file
func (x *Index) Path() string { return x.path }

// Close closes the index
func (x *Index) Close() error {
	return x.db.Close()
}

// Rebuild drops every row and writes entries in one transaction
func (x *Index) Rebuild(ctx context.Context, entries []Entry) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS vectors"); err != nil {
		return fmt.Errorf("drop vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tableSQL); err != nil {
		return fmt.Errorf("recreate vectors: %w", err)
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Append adds entries in one transaction
func (x *Index) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (
			event_id, activity, parent_summary, category, categories, date, year, month,
			day_of_week, start_hour, duration_minutes, people, locations, mood, work_depth,
			is_productive, is_wasted_time, text, embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if len(e.Vector) == 0 {
			return fmt.Errorf("entry %s/%q has no vector", e.EventID, e.Activity)
		}
		_, err := stmt.ExecContext(ctx,
			e.EventID, e.Activity, e.ParentSummary, e.Category, e.Categories, e.Date, e.Year, e.Month,
			e.DayOfWeek, e.StartHour, e.DurationMinutes, e.People, e.Locations, e.Mood, e.WorkDepth,
			e.IsProductive, e.IsWastedTime, e.Text, encodeVector(e.Vector),
		)
		if err != nil {
			return fmt.Errorf("insert vector for %s: %w", e.EventID, err)
		}
	}
	return nil
}

// Count returns the number of rows
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

// Search returns the n rows most similar to vec among those matching f
func (x *Index) Search(ctx context.Context, vec []float32, n int, f Filter) ([]Match, error) {
	where, args := f.where()
	return x.search(ctx, vec, n, where, args)
}

// Similar finds rows close to the first sub-activity of eventID, excluding
// the event itself
func (x *Index) Similar(ctx context.Context, eventID string, n int) ([]Match, error) {
	var blob []byte
	err := x.db.QueryRowContext(ctx,
		"SELECT embedding FROM vectors WHERE event_id = ? ORDER BY id LIMIT 1", eventID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event vector: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return nil, err
	}
	return x.search(ctx, vec, n, "event_id != ?", []any{eventID})
}

const selectColumns = `event_id, activity, parent_summary, category, categories, date, year, month,
	day_of_week, start_hour, duration_minutes, people, locations, mood, work_depth,
	is_productive, is_wasted_time, text, embedding`

func (x *Index) search(ctx context.Context, vec []float32, n int, where string, args []any) ([]Match, error) {
	if n <= 0 {
		n = 20
	}

	query := "SELECT " + selectColumns + " FROM vectors"
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var blob []byte
		err := rows.Scan(
			&m.EventID, &m.Activity, &m.ParentSummary, &m.Category, &m.Categories, &m.Date, &m.Year, &m.Month,
			&m.DayOfWeek, &m.StartHour, &m.DurationMinutes, &m.People, &m.Locations, &m.Mood, &m.WorkDepth,
			&m.IsProductive, &m.IsWastedTime, &m.Text, &blob,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		stored, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		m.Score = math.Round(embedding.CosineSimilarity(vec, stored)*10000) / 10000
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// Vectors are stored as little-endian float32
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
