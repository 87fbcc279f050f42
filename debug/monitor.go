package debug

import (
	"sync"

	"github.com/incantor/incant/events"
	"github.com/incantor/incant/script"
)

const handlerIDMonitor = "monitor"

// MonitorInterval is the default instruction interval between
// progress samples.
const MonitorInterval uint32 = 10000

// Monitor samples execution progress at a coarse instruction interval
// and publishes the samples on the event bus as "debug.monitor.sample"
// events. It runs after all other handlers so it observes positions
// the debugger has already released.
type Monitor struct {
	bus      *events.Bus
	interval uint32

	mu       sync.Mutex
	lastSeen Location
	samples  uint64
}

// NewMonitor returns a monitor publishing to bus. Zero interval uses
// the default.
func NewMonitor(bus *events.Bus, interval uint32) *Monitor {
	if interval == 0 {
		interval = MonitorInterval
	}
	return &Monitor{bus: bus, interval: interval}
}

// Attach registers the monitor on the multiplexer; Detach removes it.
func (m *Monitor) Attach(mux *Multiplexer) {
	mux.Register(handlerIDMonitor, PriorityMonitor,
		script.HookTriggers{EveryNthInstruction: m.interval}, m.onEvent)
}

func (m *Monitor) Detach(mux *Multiplexer) {
	mux.Unregister(handlerIDMonitor)
}

func (m *Monitor) onEvent(info *script.DebugInfo) error {
	if info.Event != script.EventCount {
		return nil
	}
	m.mu.Lock()
	m.lastSeen = Location{File: info.Source, Line: info.Line}
	m.samples++
	samples := m.samples
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit("debug.monitor.sample", map[string]any{
			"source":  info.Source,
			"line":    info.Line,
			"depth":   info.Depth,
			"samples": samples,
		}, events.LanguageNative)
	}
	return nil
}

// LastSeen returns the most recently sampled position and the sample
// count, for liveness checks on long-running scripts.
func (m *Monitor) LastSeen() (Location, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen, m.samples
}
