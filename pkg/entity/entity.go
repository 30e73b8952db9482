package entity

// Mood is one of six ordinal grades, best to worst.
type Mood string

const (
	MoodA Mood = "A"
	MoodB Mood = "B"
	MoodC Mood = "C"
	MoodD Mood = "D"
	MoodE Mood = "E"
	MoodF Mood = "F"
)

// Grades lists all moods in ordinal order, best first.
var Grades = []Mood{MoodA, MoodB, MoodC, MoodD, MoodE, MoodF}

// MaxNoteLength is the hard cap applied to a note after normalization.
const MaxNoteLength = 200

// Entry is one journal record, keyed by its local calendar date.
// Timestamps are milliseconds since epoch; CreatedAt never changes after
// the first save and CreatedAt <= UpdatedAt always holds.
type Entry struct {
	Date      string `json:"date"`
	Mood      Mood   `json:"mood"`
	Note      string `json:"note"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// EntriesDocument maps a date key to its entry. It is the single unit of
// durable storage: one serialized blob under one key.
type EntriesDocument map[string]Entry

// CalendarMoodStyle selects how the calendar renders a day's mood.
type CalendarMoodStyle string

const (
	CalendarMoodStyleDot  CalendarMoodStyle = "dot"
	CalendarMoodStyleFill CalendarMoodStyle = "fill"
)

type Settings struct {
	CalendarMoodStyle                CalendarMoodStyle `json:"calendarMoodStyle"`
	MonthCardMatchesScreenBackground bool              `json:"monthCardMatchesScreenBackground"`
}

// DefaultSettings returns the settings used whenever nothing valid is stored.
func DefaultSettings() Settings {
	return Settings{
		CalendarMoodStyle:                CalendarMoodStyleDot,
		MonthCardMatchesScreenBackground: false,
	}
}

// NewEntry builds a well-formed entry for date with both timestamps set to
// nowMs. The store re-validates date and mood on upsert.
func NewEntry(date string, mood Mood, note string, nowMs int64) Entry {
	return Entry{
		Date:      date,
		Mood:      mood,
		Note:      note,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
}

// MonthKey returns the YYYY-MM prefix of a date key.
func MonthKey(dateKey string) string {
	if len(dateKey) < 7 {
		return dateKey
	}
	return dateKey[:7]
}
