package store

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Warm concurrently loads both stores and forces all derived indexes to
// build. Called once after first paint; afterwards first-screen reads are
// cache hits. Pure orchestration, no state of its own.
func Warm(ctx context.Context, entries *EntryStore, settings *SettingsStore) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return entries.WarmAll(ctx)
	})
	g.Go(func() error {
		settings.Get(ctx)
		return nil
	})
	return g.Wait()
}
