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
	"github.com/limbo/moodlog/pkg/entity"
)

// SettingsStore owns the small typed settings document. Same quarantine,
// persist-first and write-serialization pattern as the entry store, without
// derived indexes. Anything persisted that fails validation is replaced
// wholesale by defaults.
type SettingsStore struct {
	kvs    kv.Store
	key    string
	log    *slog.Logger
	strict Strictness
	now    func() int64

	mu    sync.Mutex
	group singleflight.Group
	cache *entity.Settings
}

type SettingsStoreConfig struct {
	Key    string
	Strict Strictness
	Logger *slog.Logger
	Now    func() int64
}

func NewSettingsStore(kvs kv.Store, cfg SettingsStoreConfig) *SettingsStore {
	if kvs == nil {
		log.Fatal("provided nil kv store for settings store")
	}
	if cfg.Key == "" {
		cfg.Key = SettingsKey
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = nowUnixMs
	}
	return &SettingsStore{
		kvs:    kvs,
		key:    cfg.Key,
		log:    cfg.Logger,
		strict: cfg.Strict,
		now:    cfg.Now,
	}
}

// Reset drops the cached value. Test harness use only.
func (s *SettingsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
}

// Get returns the cached settings, loading them on first use. Concurrent
// first readers share a single underlying load.
func (s *SettingsStore) Get(ctx context.Context) entity.Settings {
	s.mu.Lock()
	if s.cache != nil {
		v := *s.cache
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	v, _, _ := s.group.Do("settings", func() (any, error) {
		s.mu.Lock()
		if s.cache != nil {
			loaded := *s.cache
			s.mu.Unlock()
			return loaded, nil
		}
		s.mu.Unlock()
		loaded := s.loadOnce(ctx)
		s.mu.Lock()
		s.cache = &loaded
		s.mu.Unlock()
		return loaded, nil
	})
	return v.(entity.Settings)
}

func (s *SettingsStore) loadOnce(ctx context.Context) entity.Settings {
	raw, err := s.kvs.GetItem(ctx, s.key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return entity.DefaultSettings()
	}
	if err != nil {
		s.log.Error("reading settings failed, using defaults",
			slog.String("error", err.Error()))
		return entity.DefaultSettings()
	}
	if strings.TrimSpace(raw) == "" {
		return entity.DefaultSettings()
	}
	if parsed, ok := decodeSettings(raw); ok {
		return parsed
	}
	s.quarantine(ctx, raw)
	return entity.DefaultSettings()
}

// quarantine backs the invalid payload up and rewrites the primary key with
// serialized defaults.
func (s *SettingsStore) quarantine(ctx context.Context, raw string) {
	backup := quarantineKey(s.key, s.now())
	if err := s.kvs.SetItem(ctx, backup, raw); err != nil {
		s.log.Error("writing settings quarantine backup failed",
			slog.String("key", backup), slog.String("error", err.Error()))
	}
	defaults, _ := sonic.Marshal(entity.DefaultSettings())
	if err := s.kvs.SetItem(ctx, s.key, string(defaults)); err != nil {
		s.log.Error("resetting corrupt settings key failed",
			slog.String("error", err.Error()))
	}
	s.log.Warn("quarantined corrupt settings document",
		slog.String("backupKey", backup), slog.Int("rawBytes", len(raw)))
}

func decodeSettings(raw string) (entity.Settings, bool) {
	var parsed entity.Settings
	if err := sonic.Unmarshal([]byte(raw), &parsed); err != nil {
		return entity.Settings{}, false
	}
	if !validSettings(parsed) {
		return entity.Settings{}, false
	}
	return parsed, true
}

func validSettings(v entity.Settings) bool {
	switch v.CalendarMoodStyle {
	case entity.CalendarMoodStyleDot, entity.CalendarMoodStyleFill:
		return true
	}
	return false
}

// Set persists next and only then updates the cache. A failed durable write
// leaves the previous value authoritative and propagates the error.
func (s *SettingsStore) Set(ctx context.Context, next entity.Settings) error {
	s.Get(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, next)
}

// SetCalendarMoodStyle is a get-then-set composition under the same lock.
func (s *SettingsStore) SetCalendarMoodStyle(ctx context.Context, style entity.CalendarMoodStyle) error {
	s.Get(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cache
	next.CalendarMoodStyle = style
	return s.setLocked(ctx, next)
}

func (s *SettingsStore) SetMonthCardMatchesScreenBackground(ctx context.Context, match bool) error {
	s.Get(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cache
	next.MonthCardMatchesScreenBackground = match
	return s.setLocked(ctx, next)
}

func (s *SettingsStore) setLocked(ctx context.Context, next entity.Settings) error {
	// Shape check is for catching programmer error early; production runs
	// Lenient and trusts the typed caller.
	if s.strict == Strict && !validSettings(next) {
		return errorvalues.ErrInvalidSetting
	}
	raw, err := sonic.Marshal(next)
	if err != nil {
		return errors.New("marshalling settings error: " + err.Error())
	}
	if err := s.kvs.SetItem(ctx, s.key, string(raw)); err != nil {
		return errors.New("persisting settings error: " + err.Error())
	}
	s.cache = &next
	return nil
}
