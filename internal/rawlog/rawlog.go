// Package rawlog keeps the durable log of raw records every rebuild starts
// from, stored as CSV.
package rawlog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AyaanMahimwala/RTT-Reader/internal/cache"
	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

// Header is the column order of the log
var Header = []string{"event_id", "summary", "start_dt", "end_dt", "description", "location", "status", "last_modified"}

// Log is a CSV file of raw records
type Log struct {
	path string
}

// New returns the log stored at path
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file
func (l *Log) Path() string { return l.path }

// Read returns every record in file order; an absent log is empty
func (l *Log) Read() ([]domain.RawRecord, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	records, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("raw log %s: %w", l.path, err)
	}
	return records, nil
}

// Write replaces the log with records atomically
func (l *Log) Write(records []domain.RawRecord) error {
	var buf bytes.Buffer
	if err := Encode(&buf, records, true); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return cache.WriteFileAtomic(l.path, buf.Bytes())
}

// Append adds records to the end of the log, creating it with a header if needed
func (l *Log) Append(records []domain.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat raw log: %w", err)
	}

	if err := Encode(f, records, info.Size() == 0); err != nil {
		return err
	}
	return f.Sync()
}

// AppendNew appends the records whose ids the log does not hold yet and
// returns how many were written
func (l *Log) AppendNew(records []domain.RawRecord) (int, error) {
	logged, err := l.Read()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(logged))
	for _, r := range logged {
		seen[r.ID] = true
	}

	var fresh []domain.RawRecord
	for _, r := range records {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		fresh = append(fresh, r)
	}
	return len(fresh), l.Append(fresh)
}

// Encode writes records as CSV rows, preceded by the header if withHeader
func Encode(w io.Writer, records []domain.RawRecord, withHeader bool) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range records {
		row := []string{r.ID, r.Summary, r.Start, r.End, r.Description, r.Location, r.Status, r.Updated}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Decode reads CSV rows by header name. Unknown columns are ignored and
// missing trailing columns read as empty.
func Decode(r io.Reader) ([]domain.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := col["event_id"]; !ok {
		return nil, fmt.Errorf("missing event_id column")
	}

	var records []domain.RawRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return row[i]
		}
		rec := domain.RawRecord{
			ID:          get("event_id"),
			Summary:     get("summary"),
			Start:       get("start_dt"),
			End:         get("end_dt"),
			Description: get("description"),
			Location:    get("location"),
			Status:      get("status"),
			Updated:     get("last_modified"),
		}
		if rec.ID == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// FileSource serves records from a CSV export, e.g. one produced by a
// calendar export tool
type FileSource struct {
	Path string
}

// Fetch returns the records starting on or after since's date
func (s FileSource) Fetch(ctx context.Context, since time.Time) ([]domain.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := New(s.Path).Read()
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return all, nil
	}

	cutoff := since.Format("2006-01-02")
	var out []domain.RawRecord
	for _, rec := range all {
		// RFC 3339 and date-only bounds both start with the date
		if len(rec.Start) >= 10 && rec.Start[:10] < cutoff {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
