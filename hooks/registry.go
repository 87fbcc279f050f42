package hooks

import (
	"sort"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hooks")

// SlowBudget is the per-handler execution budget; slower handlers are
// logged but still honored.
const SlowBudget = 50 * time.Millisecond

// BreakerConfig tunes the per-handler circuit breaker.
type BreakerConfig struct {
	// WindowSize is the number of recent invocations tracked.
	WindowSize int
	// FailureRate opens the breaker when the rolling Fail fraction
	// reaches it (0 disables the breaker).
	FailureRate float64
	// Cooldown is how long an open breaker skips the handler.
	Cooldown time.Duration
}

// DefaultBreakerConfig trips after half the recent window failed.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{WindowSize: 10, FailureRate: 0.5, Cooldown: 30 * time.Second}
}

// breaker is a rolling-window failure tracker for one handler.
type breaker struct {
	window    []bool // true = failure
	next      int
	filled    int
	openUntil time.Time
}

func (b *breaker) record(failed bool, cfg BreakerConfig, now time.Time) {
	if cfg.WindowSize <= 0 || cfg.FailureRate <= 0 {
		return
	}
	if len(b.window) != cfg.WindowSize {
		b.window = make([]bool, cfg.WindowSize)
		b.next, b.filled = 0, 0
	}
	b.window[b.next] = failed
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	if b.filled == len(b.window) && float64(failures)/float64(b.filled) >= cfg.FailureRate {
		b.openUntil = now.Add(cfg.Cooldown)
		b.filled = 0
	}
}

func (b *breaker) open(now time.Time) bool { return now.Before(b.openUntil) }

type registration struct {
	id       string
	point    Point
	priority int
	handler  Handler
	breaker  breaker
}

// Registry holds handlers per hook point. Dispatch snapshots the
// handler list so no lock is held while handlers run.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	byPoint  map[Point][]*registration
	nextOrd  int
	ordinals map[string]int // registration order breaks priority ties
}

// NewRegistry returns a registry with the default breaker config.
func NewRegistry() *Registry {
	return NewRegistryWithBreaker(DefaultBreakerConfig())
}

func NewRegistryWithBreaker(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		byPoint:  map[Point][]*registration{},
		ordinals: map[string]int{},
	}
}

// Register attaches handler to point under id. Lower priorities run
// first; equal priorities run in registration order. Re-registering an
// id at the same point replaces the handler.
func (r *Registry) Register(point Point, id string, priority int, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byPoint[point]
	for i, reg := range regs {
		if reg.id == id {
			regs[i] = &registration{id: id, point: point, priority: priority, handler: handler}
			r.sortLocked(point)
			return
		}
	}
	r.ordinals[string(point)+"/"+id] = r.nextOrd
	r.nextOrd++
	r.byPoint[point] = append(regs, &registration{id: id, point: point, priority: priority, handler: handler})
	r.sortLocked(point)
}

// Unregister removes the handler registered under id at point.
func (r *Registry) Unregister(point Point, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byPoint[point]
	for i, reg := range regs {
		if reg.id == id {
			r.byPoint[point] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (r *Registry) sortLocked(point Point) {
	regs := r.byPoint[point]
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return r.ordinals[string(point)+"/"+regs[i].id] < r.ordinals[string(point)+"/"+regs[j].id]
	})
}

// Dispatch runs the handlers registered at ctx.Point in priority
// order and returns the first non-Continue result, or Continue when
// every handler passes. Handlers whose breaker is open are skipped.
func (r *Registry) Dispatch(ctx *Context) Result {
	r.mu.Lock()
	snapshot := make([]*registration, len(r.byPoint[ctx.Point]))
	copy(snapshot, r.byPoint[ctx.Point])
	r.mu.Unlock()

	for _, reg := range snapshot {
		now := time.Now()
		r.mu.Lock()
		skip := reg.breaker.open(now)
		r.mu.Unlock()
		if skip {
			log.Debugf("hook %q at %s skipped (circuit open)", reg.id, ctx.Point)
			continue
		}

		start := time.Now()
		result := reg.handler(ctx)
		elapsed := time.Since(start)
		if elapsed > SlowBudget {
			log.Warningf("hook %q at %s took %s (budget %s)", reg.id, ctx.Point, elapsed, SlowBudget)
		}

		r.mu.Lock()
		reg.breaker.record(result.Kind == KindFail, r.cfg, time.Now())
		r.mu.Unlock()

		if result.Kind != KindContinue {
			return result
		}
	}
	return Continue()
}

// Count reports the number of handlers at point.
func (r *Registry) Count(point Point) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPoint[point])
}
