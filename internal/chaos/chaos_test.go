package chaos_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limbo/moodlog/internal/chaos"
	"github.com/limbo/moodlog/internal/kv"
)

// countingHandler counts emitted records; attrs and groups are irrelevant
// for these tests.
type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return nil
}

func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *countingHandler) WithGroup(string) slog.Handler { return h }

func (h *countingHandler) records() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestPassthroughInjectsNothing(t *testing.T) {
	ctx := context.Background()
	shim := chaos.NewShim(kv.NewMemoryStore(), chaos.Passthrough{}, nil)
	require.NoError(t, shim.SetItem(ctx, "a", "1"))
	v, err := shim.GetItem(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestFailNextExactCount(t *testing.T) {
	ctx := context.Background()
	plan := chaos.NewPlan(1)
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, nil)

	plan.FailNext(kv.OpSet, 2)
	assert.ErrorIs(t, shim.SetItem(ctx, "a", "1"), chaos.ErrInjected)
	assert.ErrorIs(t, shim.SetItem(ctx, "a", "1"), chaos.ErrInjected)
	// Exhausted: succeeds again
	assert.NoError(t, shim.SetItem(ctx, "a", "1"))
	// Other ops unaffected
	_, err := shim.GetItem(ctx, "a")
	assert.NoError(t, err)
}

func TestFailNextForKeyScoping(t *testing.T) {
	ctx := context.Background()
	plan := chaos.NewPlan(1)
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, nil)

	plan.FailNextForKey(kv.OpSet, "marker", 1)
	assert.NoError(t, shim.SetItem(ctx, "data", "1"))
	assert.ErrorIs(t, shim.SetItem(ctx, "marker", "v1"), chaos.ErrInjected)
	assert.NoError(t, shim.SetItem(ctx, "marker", "v1"))
}

func TestDisabledPlanInjectsNothing(t *testing.T) {
	ctx := context.Background()
	plan := chaos.NewPlan(1)
	plan.FailNext(kv.OpSet, 5)
	plan.Enabled = false
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, nil)
	assert.NoError(t, shim.SetItem(ctx, "a", "1"))
}

func TestOpAllowlist(t *testing.T) {
	ctx := context.Background()
	plan := chaos.NewPlan(1)
	plan.Ops = map[kv.Op]bool{kv.OpRemove: true}
	plan.FailNext(kv.OpSet, 1)
	plan.FailNext(kv.OpRemove, 1)
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, nil)

	// OpSet is outside the allowlist, so its plan never fires
	assert.NoError(t, shim.SetItem(ctx, "a", "1"))
	assert.ErrorIs(t, shim.RemoveItem(ctx, "a"), chaos.ErrInjected)
}

func TestSeededDeterminism(t *testing.T) {
	decide := func(seed uint64) []bool {
		plan := chaos.NewPlan(seed)
		plan.PFail = 0.5
		out := make([]bool, 0, 32)
		for i := 0; i < 32; i++ {
			d := plan.Decide(kv.OpGet, []string{"k"})
			out = append(out, d.Err != nil)
		}
		return out
	}
	assert.Equal(t, decide(42), decide(42))
	assert.NotEqual(t, decide(42), decide(43))
}

func TestDeterministicDelays(t *testing.T) {
	delays := func(seed uint64) []time.Duration {
		plan := chaos.NewPlan(seed)
		plan.MinDelay = time.Millisecond
		plan.MaxDelay = 10 * time.Millisecond
		out := make([]time.Duration, 0, 16)
		for i := 0; i < 16; i++ {
			d := plan.Decide(kv.OpGet, []string{"k"})
			out = append(out, d.Delay)
		}
		return out
	}
	first := delays(7)
	assert.Equal(t, first, delays(7))
	for _, d := range first {
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.Less(t, d, 10*time.Millisecond)
	}
}

func TestInjectedFailureWarnsAreRateLimited(t *testing.T) {
	ctx := context.Background()
	h := &countingHandler{}
	plan := chaos.NewPlan(1)
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, slog.New(h))

	// A burst of failures on the same op and key logs once
	plan.FailNext(kv.OpSet, 4)
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, shim.SetItem(ctx, "a", "1"), chaos.ErrInjected)
	}
	assert.Equal(t, 1, h.records())

	// A distinct key is a distinct pair and logs again
	plan.FailNextForKey(kv.OpSet, "b", 1)
	require.ErrorIs(t, shim.SetItem(ctx, "b", "1"), chaos.ErrInjected)
	assert.Equal(t, 2, h.records())

	// So is a distinct op on an already-warned key
	plan.FailNext(kv.OpGet, 1)
	_, err := shim.GetItem(ctx, "a")
	require.ErrorIs(t, err, chaos.ErrInjected)
	assert.Equal(t, 3, h.records())
}

func TestMultiOpsPassThroughShim(t *testing.T) {
	ctx := context.Background()
	plan := chaos.NewPlan(1)
	shim := chaos.NewShim(kv.NewMemoryStore(), plan, nil)

	plan.FailNext(kv.OpMultiSet, 1)
	err := shim.MultiSet(ctx, map[string]string{"a": "1"})
	assert.ErrorIs(t, err, chaos.ErrInjected)
	assert.NoError(t, shim.MultiSet(ctx, map[string]string{"a": "1"}))

	plan.FailNextForKey(kv.OpMultiGet, "a", 1)
	_, err = shim.MultiGet(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, chaos.ErrInjected)
	got, err := shim.MultiGet(ctx, []string{"a"})
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, got)
}
