package store_test

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limbo/moodlog/internal/chaos"
	errorvalues "github.com/limbo/moodlog/internal/error_values"
	"github.com/limbo/moodlog/internal/kv"
	"github.com/limbo/moodlog/internal/store"
	"github.com/limbo/moodlog/pkg/entity"
)

// countingStore records durable call counts so tests can assert which
// operations actually hit storage.
type countingStore struct {
	kv.Store
	mu      sync.Mutex
	gets    int
	sets    int
	removes int
}

func (c *countingStore) GetItem(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Store.GetItem(ctx, key)
}

func (c *countingStore) SetItem(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Store.SetItem(ctx, key, value)
}

func (c *countingStore) RemoveItem(ctx context.Context, key string) error {
	c.mu.Lock()
	c.removes++
	c.mu.Unlock()
	return c.Store.RemoveItem(ctx, key)
}

type fixture struct {
	mem     *kv.MemoryStore
	counts  *countingStore
	plan    *chaos.Plan
	entries *store.EntryStore
	nowMs   int64
}

func newFixture(t *testing.T, strict store.Strictness) *fixture {
	t.Helper()
	f := &fixture{
		mem:   kv.NewMemoryStore(),
		plan:  chaos.NewPlan(42),
		nowMs: 1_000,
	}
	f.counts = &countingStore{Store: f.mem}
	shim := chaos.NewShim(f.counts, f.plan, nil)
	f.entries = store.NewEntryStore(shim, store.EntryStoreConfig{
		Strict: strict,
		Now:    func() int64 { return f.nowMs },
	})
	return f
}

func TestUpsertThenGetEntry(t *testing.T) {
	// Empty store, one upsert, read it back
	ctx := context.Background()
	f := newFixture(t, store.Strict)

	assert.Empty(t, f.entries.GetAll(ctx))
	saved, err := f.entries.Upsert(ctx, entity.Entry{
		Date: "2026-02-09", Mood: entity.MoodA, Note: "", CreatedAt: 1, UpdatedAt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.MoodA, saved.Mood)

	got, err := f.entries.GetEntry(ctx, "2026-02-09")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.MoodA, got.Mood)
	assert.Equal(t, "", got.Note)
	// First save: both timestamps land on the frozen clock
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
}

func TestFailedUpsertLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.Empty(t, f.entries.GetAll(ctx))

	f.plan.FailNext(kv.OpSet, 1)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	assert.ErrorIs(t, err, chaos.ErrInjected)

	got, err := f.entries.GetEntry(ctx, "2026-02-09")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.entries.GetAll(ctx))
	// Nothing durable happened either
	_, kvErr := f.mem.GetItem(ctx, store.EntriesKey)
	assert.ErrorIs(t, kvErr, kv.ErrKeyNotFound)
}

func TestCorruptDocumentIsQuarantined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.mem.SetItem(ctx, store.EntriesKey, "{not json"))

	doc := f.entries.GetAll(ctx)
	assert.Empty(t, doc)

	// Primary key reset to a safe empty document
	raw, err := f.mem.GetItem(ctx, store.EntriesKey)
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)

	// Raw payload preserved under a timestamped backup key
	keys, err := f.mem.Keys(ctx)
	require.NoError(t, err)
	var backup string
	for _, k := range keys {
		if k != store.EntriesKey {
			backup = k
		}
	}
	require.NotEmpty(t, backup)
	assert.Contains(t, backup, store.EntriesKey+".corrupt.")
	rawBackup, err := f.mem.GetItem(ctx, backup)
	require.NoError(t, err)
	assert.Equal(t, "{not json", rawBackup)
}

func TestParsedButAllInvalidIsCorrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.mem.SetItem(ctx, store.EntriesKey, `{"a":1,"b":"x"}`))

	assert.Empty(t, f.entries.GetAll(ctx))
	raw, err := f.mem.GetItem(ctx, store.EntriesKey)
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)
}

func TestAbsentAndEmptyPayloadsAreNotCorrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	assert.Empty(t, f.entries.GetAll(ctx))
	// No quarantine reset happened for a merely absent key
	_, err := f.mem.GetItem(ctx, store.EntriesKey)
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	f2 := newFixture(t, store.Strict)
	require.NoError(t, f2.mem.SetItem(ctx, store.EntriesKey, "  "))
	assert.Empty(t, f2.entries.GetAll(ctx))
	assert.Zero(t, f2.counts.sets)
}

func TestReadFailureDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.mem.SetItem(ctx, store.EntriesKey,
		`{"2026-02-09":{"date":"2026-02-09","mood":"A","note":"","createdAt":1,"updatedAt":1}}`))

	f.plan.FailNext(kv.OpGet, 1)
	assert.Empty(t, f.entries.GetAll(ctx))

	// The empty result was cached: the next read is a cache hit
	_, source := f.entries.GetAllTagged(ctx)
	assert.Equal(t, store.SourceCache, source)
}

func TestConcurrentUpsertsToDifferentDates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	f.plan.MinDelay = 2 * time.Millisecond
	f.plan.MaxDelay = 2 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-10", Mood: entity.MoodB})
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	doc := f.entries.GetAll(ctx)
	require.Len(t, doc, 2)
	assert.Equal(t, entity.MoodA, doc["2026-02-09"].Mood)
	assert.Equal(t, entity.MoodB, doc["2026-02-10"].Mood)
}

func TestCreatedAtPreservedAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)

	first, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), first.CreatedAt)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	f.nowMs = 2_000
	second, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodC, Note: "worse"})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), second.CreatedAt)
	assert.Equal(t, int64(2_000), second.UpdatedAt)

	f.nowMs = 3_000
	third, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodB})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), third.CreatedAt)
	assert.Equal(t, int64(3_000), third.UpdatedAt)
}

func TestUpsertNormalizesNote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	saved, err := f.entries.Upsert(ctx, entity.Entry{
		Date: "2026-02-09", Mood: entity.MoodA, Note: "  rough\n\nday \t overall  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "rough day overall", saved.Note)
}

func TestInvalidInputStrictVsLenient(t *testing.T) {
	ctx := context.Background()

	strict := newFixture(t, store.Strict)
	_, err := strict.entries.Upsert(ctx, entity.Entry{Date: "2026-02-30", Mood: entity.MoodA})
	assert.ErrorIs(t, err, errorvalues.ErrInvalidDateKey)
	_, err = strict.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: "Z"})
	assert.ErrorIs(t, err, errorvalues.ErrInvalidMood)
	_, err = strict.entries.GetEntry(ctx, "bogus")
	assert.ErrorIs(t, err, errorvalues.ErrInvalidDateKey)
	assert.ErrorIs(t, strict.entries.Delete(ctx, "bogus"), errorvalues.ErrInvalidDateKey)

	lenient := newFixture(t, store.Lenient)
	_, err = lenient.entries.Upsert(ctx, entity.Entry{Date: "2026-02-30", Mood: entity.MoodA})
	assert.NoError(t, err)
	got, err := lenient.entries.GetEntry(ctx, "bogus")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, lenient.entries.Delete(ctx, "bogus"))
	// None of those performed a durable write
	assert.Zero(t, lenient.counts.sets)
	assert.Empty(t, lenient.entries.GetAll(ctx))
}

func TestDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	require.NoError(t, f.entries.Delete(ctx, "2026-02-09"))
	got, err := f.entries.GetEntry(ctx, "2026-02-09")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.entries.GetAll(ctx))
}

func TestDeleteAbsentDateIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	before := f.entries.GetAll(ctx)
	setsBefore := f.counts.sets
	require.NoError(t, f.entries.Delete(ctx, "2026-03-01"))
	after := f.entries.GetAll(ctx)

	assert.Equal(t, setsBefore, f.counts.sets)
	assert.Zero(t, f.counts.removes)
	// Cache pointer identity unchanged
	assert.Equal(t, reflect.ValueOf(before).Pointer(), reflect.ValueOf(after).Pointer())
}

func TestFailedDeleteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	f.plan.FailNext(kv.OpSet, 1)
	assert.ErrorIs(t, f.entries.Delete(ctx, "2026-02-09"), chaos.ErrInjected)

	got, err := f.entries.GetEntry(ctx, "2026-02-09")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.MoodA, got.Mood)
}

func TestClearAllResetsCacheEvenOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	f.plan.FailNext(kv.OpRemove, 1)
	assert.ErrorIs(t, f.entries.ClearAll(ctx), chaos.ErrInjected)
	// Accepted asymmetry: the cache is already empty despite the failure
	assert.Empty(t, f.entries.GetAll(ctx))

	require.NoError(t, f.entries.ClearAll(ctx))
	_, kvErr := f.mem.GetItem(ctx, store.EntriesKey)
	assert.ErrorIs(t, kvErr, kv.ErrKeyNotFound)
}

func TestGetAllTaggedSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)

	_, source := f.entries.GetAllTagged(ctx)
	assert.Equal(t, store.SourceStorage, source)
	_, source = f.entries.GetAllTagged(ctx)
	assert.Equal(t, store.SourceCache, source)

	f.entries.Reset()
	_, source = f.entries.GetAllTagged(ctx)
	assert.Equal(t, store.SourceStorage, source)
}

func TestLoadCoalescing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	f.plan.MinDelay = 5 * time.Millisecond
	f.plan.MaxDelay = 5 * time.Millisecond
	f.plan.Ops = map[kv.Op]bool{kv.OpGet: true}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.entries.GetAll(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.counts.gets)
}

func TestRoundTripDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	dates := []string{"2026-02-09", "2026-02-10", "2026-03-01", "2025-12-31"}
	for i, d := range dates {
		_, err := f.entries.Upsert(ctx, entity.Entry{Date: d, Mood: entity.Grades[i%len(entity.Grades)], Note: "n"})
		require.NoError(t, err)
	}
	persisted := f.entries.GetAll(ctx)

	// A cold store reading the same durable payload sees the same document
	cold := store.NewEntryStore(chaos.NewShim(f.mem, chaos.Passthrough{}, nil), store.EntryStoreConfig{Strict: store.Strict})
	assert.Equal(t, persisted, cold.GetAll(ctx))
}

func TestSetAllReplacesDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-01-01", Mood: entity.MoodF})
	require.NoError(t, err)

	doc := entity.EntriesDocument{
		"2026-02-09": {Date: "2026-02-09", Mood: entity.MoodA, CreatedAt: 1, UpdatedAt: 1},
		"2026-02-10": {Date: "2026-02-10", Mood: entity.MoodB, CreatedAt: 1, UpdatedAt: 1},
		"bogus":      {Date: "bogus", Mood: entity.MoodB, CreatedAt: 1, UpdatedAt: 1},
	}
	require.NoError(t, f.entries.SetAll(ctx, doc))

	got := f.entries.GetAll(ctx)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "2026-01-01")
	assert.NotContains(t, got, "bogus")
}

func randomDoc(rng *rand.Rand, n int) []entity.Entry {
	out := make([]entity.Entry, 0, n)
	for i := 0; i < n; i++ {
		year := 2024 + rng.Intn(3)
		month := 1 + rng.Intn(12)
		day := 1 + rng.Intn(28)
		date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
		out = append(out, entity.Entry{
			Date: date,
			Mood: entity.Grades[rng.Intn(len(entity.Grades))],
			Note: "n",
		})
	}
	return out
}

func TestIncrementalIndexesMatchRebuild(t *testing.T) {
	// Replay random upserts and deletes against warm indexes, then compare
	// every index with a cold store rebuilt from the same durable state.
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	f := newFixture(t, store.Strict)
	require.NoError(t, f.entries.WarmAll(ctx)) // indexes fresh from the start

	writes := randomDoc(rng, 120)
	for i, e := range writes {
		if i%7 == 3 && i > 0 {
			require.NoError(t, f.entries.Delete(ctx, writes[rng.Intn(i)].Date))
			continue
		}
		_, err := f.entries.Upsert(ctx, e)
		require.NoError(t, err)
	}

	cold := store.NewEntryStore(chaos.NewShim(f.mem, chaos.Passthrough{}, nil), store.EntryStoreConfig{Strict: store.Strict})
	assert.Equal(t, cold.GetAll(ctx), f.entries.GetAll(ctx))
	assert.Equal(t, cold.ByMonth(ctx), f.entries.ByMonth(ctx))
	assert.Equal(t, cold.SortedDesc(ctx), f.entries.SortedDesc(ctx))
	assert.Equal(t, cold.MoodCounts(ctx), f.entries.MoodCounts(ctx))
	assert.Equal(t, cold.MonthDateKeys(ctx), f.entries.MonthDateKeys(ctx))
	assert.Equal(t, cold.YearIndex(ctx), f.entries.YearIndex(ctx))
}

func TestIndexGettersReturnCachedStructure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	// Repeated reads without an intervening write share one snapshot
	first := f.entries.MoodCounts(ctx)
	second := f.entries.MoodCounts(ctx)
	assert.Equal(t, reflect.ValueOf(first).Pointer(), reflect.ValueOf(second).Pointer())

	// A write publishes a new snapshot and leaves the old one untouched
	_, err = f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-10", Mood: entity.MoodB})
	require.NoError(t, err)
	third := f.entries.MoodCounts(ctx)
	assert.NotEqual(t, reflect.ValueOf(first).Pointer(), reflect.ValueOf(third).Pointer())
	assert.Equal(t, map[entity.Mood]int{entity.MoodA: 1}, first)
	assert.Equal(t, map[entity.Mood]int{entity.MoodA: 1, entity.MoodB: 1}, third)
}

func TestWritesLeaveHeldSnapshotsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.entries.WarmAll(ctx))
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)

	byMonth := f.entries.ByMonth(ctx)
	sorted := f.entries.SortedDesc(ctx)
	monthKeys := f.entries.MonthDateKeys(ctx)
	years := f.entries.YearIndex(ctx)

	_, err = f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-10", Mood: entity.MoodB})
	require.NoError(t, err)
	require.NoError(t, f.entries.Delete(ctx, "2026-02-09"))

	assert.Equal(t, map[string]entity.Entry{
		"2026-02-09": {Date: "2026-02-09", Mood: entity.MoodA, CreatedAt: 1_000, UpdatedAt: 1_000},
	}, byMonth["2026-02"])
	require.Len(t, sorted, 1)
	assert.Equal(t, "2026-02-09", sorted[0].Date)
	assert.Equal(t, map[string][]string{"2026-02": {"2026-02-09"}}, monthKeys)
	require.Contains(t, years, 2026)
	assert.Equal(t, 1, years[2026][1].Total)
	assert.Equal(t, map[entity.Mood]int{entity.MoodA: 1}, years[2026][1].Counts)
}

func TestIndexReadersSafeDuringWrites(t *testing.T) {
	// Readers iterate held index snapshots while a writer keeps changing the
	// document; a snapshot must never be written under an iterating reader.
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.entries.WarmAll(ctx))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			total := 0
			for _, n := range f.entries.MoodCounts(ctx) {
				total += n
			}
			for _, bucket := range f.entries.ByMonth(ctx) {
				total += len(bucket)
			}
			for _, keys := range f.entries.MonthDateKeys(ctx) {
				total += len(keys)
			}
			for _, slots := range f.entries.YearIndex(ctx) {
				for i := range slots {
					total += slots[i].Total
				}
			}
			for _, e := range f.entries.SortedDesc(ctx) {
				total += len(e.Date)
			}
			_ = total
		}
	}()

	writes := randomDoc(rand.New(rand.NewSource(2)), 200)
	for i, e := range writes {
		if i%5 == 4 {
			require.NoError(t, f.entries.Delete(ctx, writes[i-1].Date))
			continue
		}
		_, err := f.entries.Upsert(ctx, e)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestDeleteDropsEmptyBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	require.NoError(t, f.entries.WarmAll(ctx))
	_, err := f.entries.Upsert(ctx, entity.Entry{Date: "2026-02-09", Mood: entity.MoodA})
	require.NoError(t, err)
	_, err = f.entries.Upsert(ctx, entity.Entry{Date: "2025-07-04", Mood: entity.MoodB})
	require.NoError(t, err)

	require.NoError(t, f.entries.Delete(ctx, "2026-02-09"))
	assert.NotContains(t, f.entries.ByMonth(ctx), "2026-02")
	assert.NotContains(t, f.entries.MonthDateKeys(ctx), "2026-02")
	assert.NotContains(t, f.entries.YearIndex(ctx), 2026)
	assert.NotContains(t, f.entries.MoodCounts(ctx), entity.MoodA)
	assert.Contains(t, f.entries.YearIndex(ctx), 2025)
}

func TestSortedDescOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.Strict)
	dates := []string{"2026-02-09", "2025-12-31", "2026-03-01", "2026-02-10"}
	for _, d := range dates {
		_, err := f.entries.Upsert(ctx, entity.Entry{Date: d, Mood: entity.MoodA})
		require.NoError(t, err)
	}
	sorted := f.entries.SortedDesc(ctx)
	require.Len(t, sorted, 4)
	assert.Equal(t, "2026-03-01", sorted[0].Date)
	assert.Equal(t, "2026-02-10", sorted[1].Date)
	assert.Equal(t, "2026-02-09", sorted[2].Date)
	assert.Equal(t, "2025-12-31", sorted[3].Date)
}
