package store

import "sync/atomic"

// LatestGate hands out monotonically increasing request ids, of which only
// the most recent counts as current. Callers discard any async result
// carrying a stale id, which is all the "cancellation" the kv primitive
// allows.
type LatestGate struct {
	n atomic.Uint64
}

// Issue returns a new id that supersedes all earlier ones.
func (g *LatestGate) Issue() uint64 {
	return g.n.Add(1)
}

// Current reports whether id is still the most recently issued.
func (g *LatestGate) Current(id uint64) bool {
	return g.n.Load() == id
}
