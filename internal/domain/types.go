package domain

// RawRecord is one calendar entry as acquired from a source
type RawRecord struct {
	ID          string `json:"event_id"`
	Summary     string `json:"summary"`
	Start       string `json:"start_dt"`
	End         string `json:"end_dt"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`
	Updated     string `json:"last_modified,omitempty"`
}

// TemporalFields are the calendar-relative fields derived from a RawRecord
type TemporalFields struct {
	Date            string  `json:"date"`
	Year            int     `json:"year"`
	Month           int     `json:"month"`
	DayOfWeek       string  `json:"day_of_week"`
	StartHour       float64 `json:"start_hour"`
	DurationMinutes float64 `json:"duration_minutes"`
	AllDay          bool    `json:"all_day"`
}

// Category is one entry of the consolidated taxonomy
type Category struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RawTags     []string `json:"raw_tags"`
}

// Taxonomy is the bounded category vocabulary shared by enrichment and queries
type Taxonomy struct {
	Categories []Category `json:"categories"`
}

// Names returns the category names in taxonomy order
func (t *Taxonomy) Names() []string {
	names := make([]string, len(t.Categories))
	for i, c := range t.Categories {
		names[i] = c.Name
	}
	return names
}

// Has reports whether name is a category of the taxonomy
func (t *Taxonomy) Has(name string) bool {
	for _, c := range t.Categories {
		if c.Name == name {
			return true
		}
	}
	return false
}

// WorkDepth classifies work events
type WorkDepth string

const (
	WorkDeep    WorkDepth = "deep"
	WorkMedium  WorkDepth = "medium"
	WorkShallow WorkDepth = "shallow"
	WorkMeeting WorkDepth = "meeting"
)

// WorkDepths lists the valid work-depth labels
var WorkDepths = []WorkDepth{WorkDeep, WorkMedium, WorkShallow, WorkMeeting}

// Mood is the emotional tone of an event
type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNeutral  Mood = "neutral"
	MoodNegative Mood = "negative"
)

// Moods lists the valid mood labels
var Moods = []Mood{MoodPositive, MoodNeutral, MoodNegative}

// EnrichedRecord holds the structured attributes extracted for one RawRecord.
// Empty WorkDepth and Mood mean "no signal".
type EnrichedRecord struct {
	EventID       string    `json:"event_id"`
	SubActivities []string  `json:"sub_activities"`
	People        []string  `json:"people"`
	Locations     []string  `json:"locations"`
	Categories    []string  `json:"categories"`
	WorkDepth     WorkDepth `json:"work_depth,omitempty"`
	Mood          Mood      `json:"mood,omitempty"`
	IsProductive  bool      `json:"is_productive"`
	IsWastedTime  bool      `json:"is_wasted_time"`
}

// Degraded builds the minimal record used when enrichment could not be obtained
func Degraded(rec RawRecord) EnrichedRecord {
	return EnrichedRecord{
		EventID:       rec.ID,
		SubActivities: []string{rec.Summary},
		People:        []string{},
		Locations:     []string{},
		Categories:    []string{},
	}
}

// PrimaryCategory returns the first category or "" when there is none
func (e *EnrichedRecord) PrimaryCategory() string {
	if len(e.Categories) == 0 {
		return ""
	}
	return e.Categories[0]
}
