// Package validate holds the pure domain validation of date keys, moods,
// notes and whole entries documents. Nothing here performs I/O.
package validate

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"github.com/limbo/moodlog/pkg/entity"
)

var dateKeyShape = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var (
	validate *validator.Validate
	once     sync.Once
)

// Init registers the custom validations used by request structs. Safe to
// call more than once.
func Init() {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterValidation("datekey", func(fl validator.FieldLevel) bool {
			return IsValidDateKey(fl.Field().String())
		})
		validate.RegisterValidation("moodgrade", func(fl validator.FieldLevel) bool {
			return IsValidMood(entity.Mood(fl.Field().String()))
		})
	})
}

// Struct validates tagged struct fields, e.g. `validate:"datekey"`.
func Struct(s any) error {
	Init()
	return validate.Struct(s)
}

// IsValidDateKey reports whether s has the lexical shape YYYY-MM-DD and
// decomposes to a real calendar date (leap years included). The round-trip
// through time guards against shapes like 2026-02-30.
func IsValidDateKey(s string) bool {
	if !dateKeyShape.MatchString(s) {
		return false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return false
	}
	return t.Format("2006-01-02") == s
}

// IsValidMood reports whether m is one of the six grades.
func IsValidMood(m entity.Mood) bool {
	switch m {
	case entity.MoodA, entity.MoodB, entity.MoodC, entity.MoodD, entity.MoodE, entity.MoodF:
		return true
	}
	return false
}

// MoodScore maps a grade to its numeric score, best grade 5 down to worst 0.
// Unknown grades map to -1.
func MoodScore(m entity.Mood) int {
	for i, g := range entity.Grades {
		if g == m {
			return len(entity.Grades) - 1 - i
		}
	}
	return -1
}

// NormalizeNote collapses runs of whitespace (newlines included) to single
// spaces, trims the ends and clamps the result to MaxNoteLength runes.
func NormalizeNote(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	runes := []rune(collapsed)
	if len(runes) > entity.MaxNoteLength {
		return string(runes[:entity.MaxNoteLength])
	}
	return collapsed
}

// IsValidEntry performs the structural check: valid date key, mood in the
// closed grade set and ordered timestamps.
func IsValidEntry(e entity.Entry) bool {
	if !IsValidDateKey(e.Date) {
		return false
	}
	if !IsValidMood(e.Mood) {
		return false
	}
	if e.CreatedAt < 0 || e.UpdatedAt < 0 {
		return false
	}
	return e.CreatedAt <= e.UpdatedAt
}

// ValidateEntriesDocument keeps only entries that are keyed by a valid date,
// structurally valid and whose internal date equals the outer key. Anything
// else is dropped, so corrupt or partial documents degrade instead of
// crashing.
func ValidateEntriesDocument(doc entity.EntriesDocument) entity.EntriesDocument {
	out := make(entity.EntriesDocument, len(doc))
	for key, e := range doc {
		if !IsValidDateKey(key) {
			continue
		}
		if !IsValidEntry(e) {
			continue
		}
		if e.Date != key {
			continue
		}
		out[key] = e
	}
	return out
}

// DecodeEntriesDocument parses a raw JSON payload and filters it through
// ValidateEntriesDocument. hadKeys reports whether the outer object parsed
// with at least one key, which lets the caller tell an empty document apart
// from one whose content was entirely dropped as invalid. A non-object
// payload (arrays included) returns an error.
func DecodeEntriesDocument(raw []byte) (doc entity.EntriesDocument, hadKeys bool, err error) {
	var outer map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &outer); err != nil {
		return nil, false, err
	}
	doc = make(entity.EntriesDocument, len(outer))
	for key, msg := range outer {
		var e entity.Entry
		if err := sonic.Unmarshal(msg, &e); err != nil {
			continue
		}
		doc[key] = e
	}
	return ValidateEntriesDocument(doc), len(outer) > 0, nil
}
