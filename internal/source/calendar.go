// Package source fetches raw records from a Google Calendar.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

// CalendarConfig locates the calendar and the credentials to read it with.
// Tokens are issued elsewhere; this package only reads and refreshes them.
type CalendarConfig struct {
	CalendarID string
	// TokenFile holds an oauth2.Token as JSON
	TokenFile string
	// CredentialsFile is the OAuth client JSON; without it the token is
	// used as is and never refreshed
	CredentialsFile string
}

// Calendar is a record source backed by the Calendar API
type Calendar struct {
	svc        *calendar.Service
	calendarID string
	log        zerolog.Logger
}

// NewCalendar builds a source from a stored token
func NewCalendar(ctx context.Context, cfg CalendarConfig, log zerolog.Logger) (*Calendar, error) {
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCalendarWithOptions(ctx, cfg.CalendarID, log, option.WithTokenSource(ts))
}

// NewCalendarWithOptions builds a source from raw client options
func NewCalendarWithOptions(ctx context.Context, calendarID string, log zerolog.Logger, opts ...option.ClientOption) (*Calendar, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Calendar{
		svc:        svc,
		calendarID: calendarID,
		log:        log.With().Str("component", "calendar").Str("calendar_id", calendarID).Logger(),
	}, nil
}

func tokenSource(ctx context.Context, cfg CalendarConfig) (oauth2.TokenSource, error) {
	if cfg.TokenFile == "" {
		return nil, fmt.Errorf("calendar token file not set")
	}
	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no token", cfg.TokenFile)
	}

	if cfg.CredentialsFile == "" {
		return oauth2.StaticTokenSource(&tok), nil
	}
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(creds, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return conf.TokenSource(ctx, &tok), nil
}

// Fetch returns every non-cancelled event starting at or after since,
// recurring events expanded into instances
func (c *Calendar) Fetch(ctx context.Context, since time.Time) ([]domain.RawRecord, error) {
	call := c.svc.Events.List(c.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(2500)
	if !since.IsZero() {
		call = call.TimeMin(since.Format(time.RFC3339))
	}

	var out []domain.RawRecord
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			if rec, ok := ToRawRecord(ev); ok {
				out = append(out, rec)
			}
		}
		c.log.Debug().Int("fetched", len(out)).Msg("fetched page")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	c.log.Info().Int("events", len(out)).Time("since", since).Msg("fetched calendar events")
	return out, nil
}

// ToRawRecord flattens an API event. Cancelled events and events without
// bounds are dropped.
func ToRawRecord(ev *calendar.Event) (domain.RawRecord, bool) {
	if ev == nil || ev.Id == "" || ev.Status == "cancelled" {
		return domain.RawRecord{}, false
	}
	start, end := bound(ev.Start), bound(ev.End)
	if start == "" || end == "" {
		return domain.RawRecord{}, false
	}
	return domain.RawRecord{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Start:       start,
		End:         end,
		Description: CleanDescription(ev.Description),
		Location:    ev.Location,
		Status:      ev.Status,
		Updated:     ev.Updated,
	}, true
}

// bound prefers the timestamp and falls back to the all-day date
func bound(t *calendar.EventDateTime) string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}
