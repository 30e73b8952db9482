package store

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	errorvalues "github.com/limbo/moodlog/internal/error_values"
	"github.com/limbo/moodlog/internal/kv"
	"github.com/limbo/moodlog/internal/validate"
	"github.com/limbo/moodlog/pkg/entity"
)

// EntryStore owns the canonical date -> entry document: session cache,
// five derived indexes, corruption quarantine and the persist-first write
// discipline. It is the sole mutator of its cache and indexes.
//
// Writes follow persist-first: the full updated document goes to durable
// storage before any in-memory state changes, so a failed write leaves the
// prior state exactly as it was. All writes are serialized through one
// mutex, which also settles the same-date concurrent-upsert question:
// the second writer re-reads the post-write document, so a stale CreatedAt
// lookup cannot happen.
type EntryStore struct {
	kvs    kv.Store
	key    string
	log    *slog.Logger
	strict Strictness
	now    func() int64

	mu    sync.Mutex
	group singleflight.Group
	cache entity.EntriesDocument // nil while cold

	byMonth   cell[map[string]map[string]entity.Entry]
	sorted    cell[[]entity.Entry]
	moods     cell[map[entity.Mood]int]
	monthKeys cell[map[string][]string]
	years     cell[YearIndex]
}

type EntryStoreConfig struct {
	// Durable key for the document; defaults to EntriesKey
	Key    string
	Strict Strictness
	Logger *slog.Logger
	// Clock in ms since epoch, injectable for tests
	Now func() int64
}

func NewEntryStore(kvs kv.Store, cfg EntryStoreConfig) *EntryStore {
	if kvs == nil {
		log.Fatal("provided nil kv store for entry store")
	}
	if cfg.Key == "" {
		cfg.Key = EntriesKey
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = nowUnixMs
	}
	return &EntryStore{
		kvs:    kvs,
		key:    cfg.Key,
		log:    cfg.Logger,
		strict: cfg.Strict,
		now:    cfg.Now,
	}
}

// Reset drops all in-memory state so the next read goes back to storage.
// Test harness use only.
func (s *EntryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.invalidateIndexesLocked()
}

// GetAll returns the full document, loading and caching it on first use.
// Read failures never propagate: a corrupt or unreadable document is
// quarantined and the store continues with an empty one.
func (s *EntryStore) GetAll(ctx context.Context) entity.EntriesDocument {
	doc, _ := s.GetAllTagged(ctx)
	return doc
}

type loadResult struct {
	doc    entity.EntriesDocument
	source LoadSource
}

// GetAllTagged is GetAll plus the source tag consumed by telemetry.
func (s *EntryStore) GetAllTagged(ctx context.Context) (entity.EntriesDocument, LoadSource) {
	s.mu.Lock()
	if s.cache != nil {
		doc := s.cache
		s.mu.Unlock()
		return doc, SourceCache
	}
	s.mu.Unlock()

	v, _, _ := s.group.Do("entries", func() (any, error) {
		// A caller that lost the race to an already-finished load must not
		// trigger a second read, and its result counts as a cache hit.
		s.mu.Lock()
		if s.cache != nil {
			doc := s.cache
			s.mu.Unlock()
			return loadResult{doc: doc, source: SourceCache}, nil
		}
		s.mu.Unlock()
		doc := s.loadOnce(ctx)
		s.mu.Lock()
		s.cache = doc
		s.invalidateIndexesLocked()
		s.mu.Unlock()
		return loadResult{doc: doc, source: SourceStorage}, nil
	})
	res := v.(loadResult)
	return res.doc, res.source
}

// loadOnce reads and decodes the durable document. Exactly three outcomes:
// absent/empty payload is a valid empty document, an unparseable payload is
// corrupt, and a payload that parses with keys but yields zero valid
// entries is corrupt too.
func (s *EntryStore) loadOnce(ctx context.Context) entity.EntriesDocument {
	raw, err := s.kvs.GetItem(ctx, s.key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return entity.EntriesDocument{}
	}
	if err != nil {
		s.log.Error("reading entries document failed, continuing empty",
			slog.String("error", err.Error()))
		return entity.EntriesDocument{}
	}
	if strings.TrimSpace(raw) == "" {
		return entity.EntriesDocument{}
	}
	doc, hadKeys, err := validate.DecodeEntriesDocument([]byte(raw))
	if err != nil || (hadKeys && len(doc) == 0) {
		s.quarantine(ctx, raw)
		return entity.EntriesDocument{}
	}
	return doc
}

// quarantine backs the raw payload up under a timestamped key, then resets
// the primary key to an empty document. Only metadata is logged, never the
// payload itself.
func (s *EntryStore) quarantine(ctx context.Context, raw string) {
	backup := quarantineKey(s.key, s.now())
	if err := s.kvs.SetItem(ctx, backup, raw); err != nil {
		s.log.Error("writing quarantine backup failed",
			slog.String("key", backup), slog.String("error", err.Error()))
	}
	if err := s.kvs.SetItem(ctx, s.key, "{}"); err != nil {
		s.log.Error("resetting corrupt entries key failed",
			slog.String("error", err.Error()))
	}
	s.log.Warn("quarantined corrupt entries document",
		slog.String("backupKey", backup), slog.Int("rawBytes", len(raw)))
}

// GetEntry returns the entry for date, or nil when absent. An invalid date
// key is a caller error: Strict mode returns ErrInvalidDateKey, Lenient
// logs and returns nil.
func (s *EntryStore) GetEntry(ctx context.Context, date string) (*entity.Entry, error) {
	if !validate.IsValidDateKey(date) {
		if s.strict == Strict {
			return nil, errorvalues.ErrInvalidDateKey
		}
		s.log.Warn("getEntry called with invalid date key", slog.String("date", date))
		return nil, nil
	}
	doc := s.GetAll(ctx)
	if e, ok := doc[date]; ok {
		return &e, nil
	}
	return nil, nil
}

// Upsert validates, normalizes and saves one entry. CreatedAt is preserved
// from any existing entry for the date; UpdatedAt always refreshes.
func (s *EntryStore) Upsert(ctx context.Context, e entity.Entry) (entity.Entry, error) {
	if !validate.IsValidDateKey(e.Date) {
		if s.strict == Strict {
			return entity.Entry{}, errorvalues.ErrInvalidDateKey
		}
		s.log.Warn("upsert called with invalid date key", slog.String("date", e.Date))
		return entity.Entry{}, nil
	}
	if !validate.IsValidMood(e.Mood) {
		if s.strict == Strict {
			return entity.Entry{}, errorvalues.ErrInvalidMood
		}
		s.log.Warn("upsert called with invalid mood", slog.String("date", e.Date))
		return entity.Entry{}, nil
	}
	e.Note = validate.NormalizeNote(e.Note)

	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.cache[e.Date]
	now := s.now()
	if existed {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if s.strict == Strict && !validate.IsValidEntry(e) {
		return entity.Entry{}, errorvalues.ErrInvalidEntry
	}

	next := make(entity.EntriesDocument, len(s.cache)+1)
	for k, v := range s.cache {
		next[k] = v
	}
	next[e.Date] = e

	if err := s.persistLocked(ctx, next); err != nil {
		return entity.Entry{}, err
	}
	s.cache = next
	s.applyUpsertLocked(prev, existed, e)
	return e, nil
}

// Delete removes the entry for date. Deleting an absent date is a no-op
// and performs no durable write.
func (s *EntryStore) Delete(ctx context.Context, date string) error {
	if !validate.IsValidDateKey(date) {
		if s.strict == Strict {
			return errorvalues.ErrInvalidDateKey
		}
		s.log.Warn("delete called with invalid date key", slog.String("date", date))
		return nil
	}

	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.cache[date]
	if !existed {
		return nil
	}
	next := make(entity.EntriesDocument, len(s.cache))
	for k, v := range s.cache {
		if k != date {
			next[k] = v
		}
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.cache = next
	s.applyDeleteLocked(prev)
	return nil
}

// SetAll bulk-replaces the whole document. Seeding only: the cache is set
// before the persist, the caller tolerates best-effort semantics, but the
// durable write is still awaited and its error surfaced.
func (s *EntryStore) SetAll(ctx context.Context, doc entity.EntriesDocument) error {
	doc = validate.ValidateEntriesDocument(doc)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = doc
	s.invalidateIndexesLocked()
	return s.persistLocked(ctx, doc)
}

// ClearAll wipes cache and durable key. The cache resets even when the
// durable remove fails: for a destructive clear, stale data left visible in
// memory is worse than a momentary memory/disk mismatch.
func (s *EntryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = entity.EntriesDocument{}
	s.invalidateIndexesLocked()
	return s.kvs.RemoveItem(ctx, s.key)
}

// WarmAll loads the document and forces every derived index to build, so
// first-screen reads afterwards are cache hits.
func (s *EntryStore) WarmAll(ctx context.Context) error {
	s.GetAll(ctx)
	s.ByMonth(ctx)
	s.SortedDesc(ctx)
	s.MoodCounts(ctx)
	s.MonthDateKeys(ctx)
	s.YearIndex(ctx)
	return nil
}

func (s *EntryStore) persistLocked(ctx context.Context, doc entity.EntriesDocument) error {
	raw, err := sonic.Marshal(doc)
	if err != nil {
		return errors.New("marshalling entries document error: " + err.Error())
	}
	if err := s.kvs.SetItem(ctx, s.key, string(raw)); err != nil {
		return errors.New("persisting entries document error: " + err.Error())
	}
	return nil
}

// Index getters return the current snapshot without copying. Snapshots are
// immutable: writes publish a fresh structure, so a returned value stays
// safe to iterate while later writes land.

// ByMonth returns month-key -> entries of that month.
func (s *EntryStore) ByMonth(ctx context.Context) map[string]map[string]entity.Entry {
	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.byMonth.fresh {
		s.byMonth.set(buildByMonth(s.cache))
	}
	return s.byMonth.v
}

// SortedDesc returns all entries newest-first.
func (s *EntryStore) SortedDesc(ctx context.Context) []entity.Entry {
	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sorted.fresh {
		s.sorted.set(buildSortedDesc(s.cache))
	}
	return s.sorted.v
}

// MoodCounts returns grade -> count across all entries.
func (s *EntryStore) MoodCounts(ctx context.Context) map[entity.Mood]int {
	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.moods.fresh {
		s.moods.set(buildMoodCounts(s.cache))
	}
	return s.moods.v
}

// MonthDateKeys returns month-key -> ascending date keys present that month.
func (s *EntryStore) MonthDateKeys(ctx context.Context) map[string][]string {
	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monthKeys.fresh {
		s.monthKeys.set(buildMonthDateKeys(s.cache))
	}
	return s.monthKeys.v
}

// YearIndex returns year -> per-month totals and grade counts.
func (s *EntryStore) YearIndex(ctx context.Context) YearIndex {
	s.GetAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.years.fresh {
		s.years.set(buildYearIndex(s.cache))
	}
	return s.years.v
}

func (s *EntryStore) invalidateIndexesLocked() {
	s.byMonth.invalidate()
	s.sorted.invalidate()
	s.moods.invalidate()
	s.monthKeys.invalidate()
	s.years.invalidate()
}

// applyUpsertLocked publishes updated index snapshots for one changed
// record. Fresh cells get a copy equal to what a full rebuild would
// produce; the previously handed-out structures are never touched, so
// concurrent readers can keep iterating them. Containers that did not
// change are shared between snapshots. Stale cells stay stale for lazy
// rebuild.
func (s *EntryStore) applyUpsertLocked(prev entity.Entry, existed bool, e entity.Entry) {
	month := entity.MonthKey(e.Date)
	if s.byMonth.fresh {
		next := make(map[string]map[string]entity.Entry, len(s.byMonth.v)+1)
		for m, entries := range s.byMonth.v {
			next[m] = entries
		}
		bucket := make(map[string]entity.Entry, len(next[month])+1)
		for d, v := range next[month] {
			bucket[d] = v
		}
		bucket[e.Date] = e
		next[month] = bucket
		s.byMonth.set(next)
	}
	if s.sorted.fresh {
		s.sorted.set(sortedInsertDesc(s.sorted.v, e))
	}
	if s.moods.fresh {
		next := make(map[entity.Mood]int, len(s.moods.v)+1)
		for m, n := range s.moods.v {
			next[m] = n
		}
		if existed {
			next[prev.Mood]--
			if next[prev.Mood] == 0 {
				delete(next, prev.Mood)
			}
		}
		next[e.Mood]++
		s.moods.set(next)
	}
	if s.monthKeys.fresh {
		next := make(map[string][]string, len(s.monthKeys.v)+1)
		for m, keys := range s.monthKeys.v {
			next[m] = keys
		}
		next[month] = sortedInsertKey(next[month], e.Date)
		s.monthKeys.set(next)
	}
	if s.years.fresh {
		year, monthIdx := yearAndMonth(e.Date)
		next := make(YearIndex, len(s.years.v)+1)
		for y, slots := range s.years.v {
			next[y] = slots
		}
		var slots [12]MonthStat
		if old := next[year]; old != nil {
			slots = *old
		}
		counts := make(map[entity.Mood]int, len(slots[monthIdx].Counts)+1)
		for m, n := range slots[monthIdx].Counts {
			counts[m] = n
		}
		if existed {
			counts[prev.Mood]--
			if counts[prev.Mood] == 0 {
				delete(counts, prev.Mood)
			}
		} else {
			slots[monthIdx].Total++
		}
		counts[e.Mood]++
		slots[monthIdx].Counts = counts
		next[year] = &slots
		s.years.set(next)
	}
}

// applyDeleteLocked is the symmetric removal: emptied month and year
// buckets are dropped rather than left as empty containers.
func (s *EntryStore) applyDeleteLocked(prev entity.Entry) {
	month := entity.MonthKey(prev.Date)
	if s.byMonth.fresh {
		next := make(map[string]map[string]entity.Entry, len(s.byMonth.v))
		for m, entries := range s.byMonth.v {
			next[m] = entries
		}
		bucket := make(map[string]entity.Entry, len(next[month]))
		for d, v := range next[month] {
			if d != prev.Date {
				bucket[d] = v
			}
		}
		if len(bucket) == 0 {
			delete(next, month)
		} else {
			next[month] = bucket
		}
		s.byMonth.set(next)
	}
	if s.sorted.fresh {
		s.sorted.set(sortedRemove(s.sorted.v, prev.Date))
	}
	if s.moods.fresh {
		next := make(map[entity.Mood]int, len(s.moods.v))
		for m, n := range s.moods.v {
			next[m] = n
		}
		next[prev.Mood]--
		if next[prev.Mood] == 0 {
			delete(next, prev.Mood)
		}
		s.moods.set(next)
	}
	if s.monthKeys.fresh {
		next := make(map[string][]string, len(s.monthKeys.v))
		for m, keys := range s.monthKeys.v {
			next[m] = keys
		}
		trimmed := sortedRemoveKey(next[month], prev.Date)
		if len(trimmed) == 0 {
			delete(next, month)
		} else {
			next[month] = trimmed
		}
		s.monthKeys.set(next)
	}
	if s.years.fresh {
		year, monthIdx := yearAndMonth(prev.Date)
		old := s.years.v[year]
		if old == nil {
			return
		}
		next := make(YearIndex, len(s.years.v))
		for y, slots := range s.years.v {
			next[y] = slots
		}
		slots := *old
		counts := make(map[entity.Mood]int, len(slots[monthIdx].Counts))
		for m, n := range slots[monthIdx].Counts {
			counts[m] = n
		}
		counts[prev.Mood]--
		if counts[prev.Mood] == 0 {
			delete(counts, prev.Mood)
		}
		slots[monthIdx].Counts = counts
		slots[monthIdx].Total--
		if slots[monthIdx].Total == 0 {
			slots[monthIdx] = MonthStat{}
		}
		empty := true
		for i := range slots {
			if slots[i].Total > 0 {
				empty = false
				break
			}
		}
		if empty {
			delete(next, year)
		} else {
			next[year] = &slots
		}
		s.years.set(next)
	}
}
