// Package chaos wraps a kv.Store and deterministically injects delays and
// failures for resilience tests. Production wiring passes Passthrough; the
// stores never know the difference between an injected failure and a real
// one, which is the point.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/limbo/moodlog/internal/kv"
)

// ErrInjected is the root of every injected failure, so tests can
// errors.Is against it.
var ErrInjected = errors.New("injected storage failure")

// Decision tells the shim what to do with one operation before it reaches
// the backend.
type Decision struct {
	Delay time.Duration
	Err   error
}

// Strategy decides the fate of a kv operation. Implementations must be safe
// for concurrent use.
type Strategy interface {
	Decide(op kv.Op, keys []string) Decision
}

// Passthrough injects nothing.
type Passthrough struct{}

func (Passthrough) Decide(op kv.Op, keys []string) Decision {
	return Decision{}
}

// lcg is a seeded linear-congruential generator. Same seed, same sequence
// of delays and failure decisions across runs.
type lcg struct {
	state uint64
}

func (r *lcg) next() uint64 {
	r.state = r.state*6364136223846793005 + 1442695040888963407
	return r.state
}

// float64 in [0, 1)
func (r *lcg) float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

// Plan is a deterministic, seeded fault plan. Zero-value fields leave the
// corresponding knob off; the Enabled flag gates everything.
//
// The exported knobs must be configured before the plan is shared with a
// shim under concurrent use. Mid-run changes go through FailNext and
// FailNextForKey, which lock.
type Plan struct {
	mu sync.Mutex

	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
	// Probabilistic failure rate in [0, 1], evaluated against the seeded rng
	PFail float64
	// Allowlist of affected op kinds; nil means all ops are affected
	Ops map[kv.Op]bool

	failNext      map[kv.Op]int
	failNextByKey map[kv.Op]map[string]int
	rng           lcg
}

func NewPlan(seed uint64) *Plan {
	return &Plan{
		Enabled:       true,
		failNext:      make(map[kv.Op]int),
		failNextByKey: make(map[kv.Op]map[string]int),
		rng:           lcg{state: seed},
	}
}

// FailNext makes the next n invocations of op fail; once exhausted the op
// succeeds again.
func (p *Plan) FailNext(op kv.Op, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = n
}

// FailNextForKey is FailNext scoped to a single key, for provoking narrow
// partial-failure scenarios.
func (p *Plan) FailNextForKey(op kv.Op, key string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNextByKey[op] == nil {
		p.failNextByKey[op] = make(map[string]int)
	}
	p.failNextByKey[op][key] = n
}

func (p *Plan) Decide(op kv.Op, keys []string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Enabled {
		return Decision{}
	}
	if p.Ops != nil && !p.Ops[op] {
		return Decision{}
	}
	var d Decision
	if p.MaxDelay > 0 {
		span := p.MaxDelay - p.MinDelay
		d.Delay = p.MinDelay
		if span > 0 {
			d.Delay += time.Duration(p.rng.float64() * float64(span))
		}
	}
	for _, key := range keys {
		if byKey := p.failNextByKey[op]; byKey[key] > 0 {
			byKey[key]--
			d.Err = fmt.Errorf("%w: op %s key %q", ErrInjected, op, key)
			return d
		}
	}
	if p.failNext[op] > 0 {
		p.failNext[op]--
		d.Err = fmt.Errorf("%w: op %s", ErrInjected, op)
		return d
	}
	if p.PFail > 0 && p.rng.float64() < p.PFail {
		d.Err = fmt.Errorf("%w: op %s", ErrInjected, op)
	}
	return d
}

// warnInterval caps injected-failure logging to one line per op+key pair
// per interval, so chaos tests don't flood the log.
const warnInterval = 750 * time.Millisecond

// Shim is the single choke point between the stores and the kv primitive.
type Shim struct {
	inner    kv.Store
	strategy Strategy
	log      *slog.Logger

	mu       sync.Mutex
	lastWarn map[string]time.Time
}

func NewShim(inner kv.Store, strategy Strategy, log *slog.Logger) *Shim {
	if strategy == nil {
		strategy = Passthrough{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Shim{
		inner:    inner,
		strategy: strategy,
		log:      log,
		lastWarn: make(map[string]time.Time),
	}
}

func (s *Shim) before(ctx context.Context, op kv.Op, keys []string) error {
	d := s.strategy.Decide(op, keys)
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.Err != nil {
		s.warn(op, keys, d.Err)
		return d.Err
	}
	return nil
}

func (s *Shim) warn(op kv.Op, keys []string, err error) {
	pair := string(op)
	if len(keys) > 0 {
		pair += "|" + keys[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastWarn[pair]; ok && now.Sub(last) < warnInterval {
		return
	}
	s.lastWarn[pair] = now
	s.log.Warn("injected storage failure",
		slog.String("op", string(op)),
		slog.String("error", err.Error()),
	)
}

func (s *Shim) GetItem(ctx context.Context, key string) (string, error) {
	if err := s.before(ctx, kv.OpGet, []string{key}); err != nil {
		return "", err
	}
	return s.inner.GetItem(ctx, key)
}

func (s *Shim) SetItem(ctx context.Context, key, value string) error {
	if err := s.before(ctx, kv.OpSet, []string{key}); err != nil {
		return err
	}
	return s.inner.SetItem(ctx, key, value)
}

func (s *Shim) RemoveItem(ctx context.Context, key string) error {
	if err := s.before(ctx, kv.OpRemove, []string{key}); err != nil {
		return err
	}
	return s.inner.RemoveItem(ctx, key)
}

func (s *Shim) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	if err := s.before(ctx, kv.OpMultiGet, keys); err != nil {
		return nil, err
	}
	return s.inner.MultiGet(ctx, keys)
}

func (s *Shim) MultiSet(ctx context.Context, pairs map[string]string) error {
	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := s.before(ctx, kv.OpMultiSet, keys); err != nil {
		return err
	}
	return s.inner.MultiSet(ctx, pairs)
}

func (s *Shim) MultiRemove(ctx context.Context, keys []string) error {
	if err := s.before(ctx, kv.OpMultiRemove, keys); err != nil {
		return err
	}
	return s.inner.MultiRemove(ctx, keys)
}

func (s *Shim) Keys(ctx context.Context) ([]string, error) {
	if err := s.before(ctx, kv.OpKeys, nil); err != nil {
		return nil, err
	}
	return s.inner.Keys(ctx)
}

func (s *Shim) Close() error {
	return s.inner.Close()
}
