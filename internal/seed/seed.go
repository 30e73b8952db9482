package seed

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"strconv"

	"github.com/limbo/moodlog/internal/kv"
	"github.com/limbo/moodlog/internal/store"
	"github.com/limbo/moodlog/pkg/entity"
)

// MarkerKey gates one-time versioned seeding.
const MarkerKey = "moodlog.seed.version"

// Seeder applies a demo document at most once per version. The marker key
// is written after the data, and a failed marker write is tolerated: the
// data stays, and the worst case is a redundant reseed on the next launch.
type Seeder struct {
	entries   *store.EntryStore
	kvs       kv.Store
	log       *slog.Logger
	markerKey string
	version   int
}

type Config struct {
	MarkerKey string
	Version   int
	Logger    *slog.Logger
}

func New(entries *store.EntryStore, kvs kv.Store, cfg Config) *Seeder {
	if entries == nil || kvs == nil {
		log.Fatal("provided nil dependency for seeder")
	}
	if cfg.MarkerKey == "" {
		cfg.MarkerKey = MarkerKey
	}
	if cfg.Version <= 0 {
		cfg.Version = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Seeder{
		entries:   entries,
		kvs:       kvs,
		log:       cfg.Logger,
		markerKey: cfg.MarkerKey,
		version:   cfg.Version,
	}
}

// Apply seeds doc unless the stored marker is already at or past this
// version. Returns whether the seed ran.
func (s *Seeder) Apply(ctx context.Context, doc entity.EntriesDocument) (bool, error) {
	raw, err := s.kvs.GetItem(ctx, s.markerKey)
	if err == nil {
		if v, convErr := strconv.Atoi(raw); convErr == nil && v >= s.version {
			return false, nil
		}
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		// An unreadable marker means we cannot prove seeding already ran;
		// seeding is idempotent enough to risk running again.
		s.log.Warn("reading seed marker failed", slog.String("error", err.Error()))
	}

	if err := s.entries.SetAll(ctx, doc); err != nil {
		return false, errors.New("seeding entries error: " + err.Error())
	}
	if err := s.kvs.SetItem(ctx, s.markerKey, strconv.Itoa(s.version)); err != nil {
		s.log.Warn("seed marker write failed, data seeded anyway",
			slog.String("error", err.Error()))
	}
	s.log.Info("seed applied", slog.Int("version", s.version), slog.Int("entries", len(doc)))
	return true, nil
}
