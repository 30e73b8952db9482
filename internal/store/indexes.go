package store

import (
	"sort"
	"strconv"

	"github.com/limbo/moodlog/pkg/entity"
)

// Derived indexes over the entries document. Every one of them is
// rebuildable from a fresh scan, and every incremental update must land on
// exactly the value a rebuild would produce. Updates never modify a
// structure that was already handed out: the insert/remove helpers below
// return fresh containers, so a reader holding an old snapshot can keep
// iterating it while writes land.

// MonthStat summarizes one calendar month inside a YearIndex.
type MonthStat struct {
	Total  int                 `json:"total"`
	Counts map[entity.Mood]int `json:"counts"`
}

// YearIndex maps year -> twelve month slots (index 0 = January).
type YearIndex map[int]*[12]MonthStat

func yearAndMonth(dateKey string) (year, monthIdx int) {
	year, _ = strconv.Atoi(dateKey[:4])
	m, _ := strconv.Atoi(dateKey[5:7])
	return year, m - 1
}

func buildByMonth(doc entity.EntriesDocument) map[string]map[string]entity.Entry {
	out := make(map[string]map[string]entity.Entry)
	for date, e := range doc {
		month := entity.MonthKey(date)
		if out[month] == nil {
			out[month] = make(map[string]entity.Entry)
		}
		out[month][date] = e
	}
	return out
}

func buildSortedDesc(doc entity.EntriesDocument) []entity.Entry {
	out := make([]entity.Entry, 0, len(doc))
	for _, e := range doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date > out[j].Date
	})
	return out
}

func buildMoodCounts(doc entity.EntriesDocument) map[entity.Mood]int {
	out := make(map[entity.Mood]int)
	for _, e := range doc {
		out[e.Mood]++
	}
	return out
}

func buildMonthDateKeys(doc entity.EntriesDocument) map[string][]string {
	out := make(map[string][]string)
	for date := range doc {
		month := entity.MonthKey(date)
		out[month] = append(out[month], date)
	}
	for _, keys := range out {
		sort.Strings(keys)
	}
	return out
}

func buildYearIndex(doc entity.EntriesDocument) YearIndex {
	out := make(YearIndex)
	for _, e := range doc {
		year, monthIdx := yearAndMonth(e.Date)
		slots := out[year]
		if slots == nil {
			slots = &[12]MonthStat{}
			out[year] = slots
		}
		if slots[monthIdx].Counts == nil {
			slots[monthIdx].Counts = make(map[entity.Mood]int)
		}
		slots[monthIdx].Total++
		slots[monthIdx].Counts[e.Mood]++
	}
	return out
}

// sortedInsertDesc returns a new slice with e at its descending-order
// position, replacing any existing entry for the same date.
func sortedInsertDesc(entries []entity.Entry, e entity.Entry) []entity.Entry {
	out := make([]entity.Entry, 0, len(entries)+1)
	inserted := false
	for _, cur := range entries {
		if cur.Date == e.Date {
			continue
		}
		if !inserted && cur.Date < e.Date {
			out = append(out, e)
			inserted = true
		}
		out = append(out, cur)
	}
	if !inserted {
		out = append(out, e)
	}
	return out
}

func sortedRemove(entries []entity.Entry, date string) []entity.Entry {
	out := make([]entity.Entry, 0, len(entries))
	for _, cur := range entries {
		if cur.Date != date {
			out = append(out, cur)
		}
	}
	return out
}

// sortedInsertKey returns keys with date at its ascending position, or keys
// unchanged when the date is already present.
func sortedInsertKey(keys []string, date string) []string {
	i := sort.SearchStrings(keys, date)
	if i < len(keys) && keys[i] == date {
		return keys
	}
	out := make([]string, 0, len(keys)+1)
	out = append(out, keys[:i]...)
	out = append(out, date)
	out = append(out, keys[i:]...)
	return out
}

func sortedRemoveKey(keys []string, date string) []string {
	i := sort.SearchStrings(keys, date)
	if i == len(keys) || keys[i] != date {
		return keys
	}
	out := make([]string, 0, len(keys)-1)
	out = append(out, keys[:i]...)
	out = append(out, keys[i+1:]...)
	return out
}
