package debug

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/incantor/incant/script"
)

const handlerIDProfiler = "profiler"

// FuncProfile holds per-function invocation data.
type FuncProfile struct {
	InvocationCount uint64 // atomic
	IsHot           bool
}

// Profiler counts execution events to identify hot script functions.
// It registers ahead of the debugger so its counters stay accurate
// even while the script is paused.
type Profiler struct {
	lines   atomic.Uint64
	calls   atomic.Uint64
	returns atomic.Uint64

	// funcProfiles maps "source:name" -> *FuncProfile.
	funcProfiles sync.Map

	// HotThreshold marks a function hot after this many calls.
	HotThreshold uint64

	// OnHot is called once when a function crosses the threshold.
	OnHot func(key string, profile *FuncProfile)

	hotCount atomic.Uint64
}

// NewProfiler returns a profiler with the default hot threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// Attach registers the profiler on the multiplexer; Detach removes it.
func (p *Profiler) Attach(mux *Multiplexer) {
	mux.Register(handlerIDProfiler, PriorityProfiler,
		script.HookTriggers{EveryLine: true, OnCalls: true, OnReturns: true}, p.onEvent)
}

func (p *Profiler) Detach(mux *Multiplexer) {
	mux.Unregister(handlerIDProfiler)
}

func (p *Profiler) onEvent(info *script.DebugInfo) error {
	switch info.Event {
	case script.EventLine:
		p.lines.Add(1)
	case script.EventCall, script.EventTailCall:
		p.calls.Add(1)
		p.recordCall(info.Source + ":" + info.FuncName)
	case script.EventReturn:
		p.returns.Add(1)
	}
	return nil
}

func (p *Profiler) recordCall(key string) {
	val, _ := p.funcProfiles.LoadOrStore(key, &FuncProfile{})
	profile := val.(*FuncProfile)
	count := atomic.AddUint64(&profile.InvocationCount, 1)
	if !profile.IsHot && count >= p.HotThreshold {
		profile.IsHot = true
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(key, profile)
		}
	}
}

// FuncStat is one row of a profiler report.
type FuncStat struct {
	Name  string `json:"name"`
	Calls uint64 `json:"calls"`
	Hot   bool   `json:"hot"`
}

// Report is a point-in-time profiler snapshot.
type Report struct {
	Lines     uint64     `json:"lines"`
	Calls     uint64     `json:"calls"`
	Returns   uint64     `json:"returns"`
	HotCount  uint64     `json:"hot_count"`
	Functions []FuncStat `json:"functions"`
}

// Snapshot returns counters and per-function stats, busiest first.
func (p *Profiler) Snapshot() Report {
	report := Report{
		Lines:    p.lines.Load(),
		Calls:    p.calls.Load(),
		Returns:  p.returns.Load(),
		HotCount: p.hotCount.Load(),
	}
	p.funcProfiles.Range(func(key, val any) bool {
		profile := val.(*FuncProfile)
		report.Functions = append(report.Functions, FuncStat{
			Name:  key.(string),
			Calls: atomic.LoadUint64(&profile.InvocationCount),
			Hot:   profile.IsHot,
		})
		return true
	})
	sort.Slice(report.Functions, func(i, j int) bool {
		if report.Functions[i].Calls != report.Functions[j].Calls {
			return report.Functions[i].Calls > report.Functions[j].Calls
		}
		return report.Functions[i].Name < report.Functions[j].Name
	})
	return report
}

// Reset zeroes all counters.
func (p *Profiler) Reset() {
	p.lines.Store(0)
	p.calls.Store(0)
	p.returns.Store(0)
	p.hotCount.Store(0)
	p.funcProfiles.Range(func(key, _ any) bool {
		p.funcProfiles.Delete(key)
		return true
	})
}
