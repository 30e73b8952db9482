package store

import (
	"fmt"
	"time"
)

// Strictness selects how the stores treat caller-programmer errors such as
// an invalid date key. Development builds run Strict and get errors back
// immediately; production builds run Lenient and degrade to a logged no-op,
// because a malformed call must never take the app down in the field.
type Strictness int

const (
	Lenient Strictness = iota
	Strict
)

// Durable key layout. Everything lives under the moodlog prefix.
const (
	EntriesKey  = "moodlog.entries.v1"
	SettingsKey = "moodlog.settings.v1"
)

// LoadSource tags where a read was served from.
type LoadSource string

const (
	SourceCache   LoadSource = "cache"
	SourceStorage LoadSource = "storage"
)

// quarantineKey names the forensic backup written when a primary key holds
// corrupt content. Never read back programmatically.
func quarantineKey(primary string, nowMs int64) string {
	return fmt.Sprintf("%s.corrupt.%d", primary, nowMs)
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

// cell holds one derived index that is either fresh or stale. Writes swap
// in a freshly built value and leave stale cells for lazy rebuild; the old
// value is never mutated once handed out.
type cell[T any] struct {
	fresh bool
	v     T
}

func (c *cell[T]) set(v T) {
	c.v = v
	c.fresh = true
}

func (c *cell[T]) invalidate() {
	var zero T
	c.v = zero
	c.fresh = false
}
