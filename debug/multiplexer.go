// Package debug provides the interactive debugging layer on top of a
// script engine: a priority-ordered multiplexer for the engine's single
// debug callback, a breakpoint-driven debugger, an execution profiler,
// and a progress monitor.
package debug

import (
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/script"
)

var muxLog = commonlog.GetLogger("debug.multiplexer")

// Well-known handler priorities. Lower runs first.
const (
	PriorityInterrupt = -2000
	PriorityProfiler  = -1000
	PriorityDebugger  = 0
	PriorityMonitor   = 1000
)

// handlerEntry is one registered consumer of engine debug events.
type handlerEntry struct {
	id       string
	priority int
	triggers script.HookTriggers
	handler  script.Hook
}

// Multiplexer fans a script engine's single debug callback out to any
// number of registered handlers. The installed hook's trigger set is
// the union of all handler triggers; each handler only sees the events
// its own triggers select.
type Multiplexer struct {
	engine script.Engine

	mu        sync.Mutex
	handlers  map[string]*handlerEntry
	ordered   []*handlerEntry // sorted by (priority, id)
	installed bool
}

// NewMultiplexer returns a multiplexer for engine. Nothing is hooked
// until Install is called.
func NewMultiplexer(engine script.Engine) *Multiplexer {
	return &Multiplexer{
		engine:   engine,
		handlers: map[string]*handlerEntry{},
	}
}

// Register adds or replaces the handler registered under id and, if
// the multiplexer is installed, refreshes the engine hook's combined
// trigger set.
func (m *Multiplexer) Register(id string, priority int, triggers script.HookTriggers, handler script.Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[id]; exists {
		muxLog.Debugf("replacing debug handler %q", id)
	}
	m.handlers[id] = &handlerEntry{id: id, priority: priority, triggers: triggers, handler: handler}
	m.rebuildLocked()
}

// Unregister removes the handler registered under id; unknown ids are
// a no-op.
func (m *Multiplexer) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[id]; !exists {
		return
	}
	delete(m.handlers, id)
	m.rebuildLocked()
}

// Has reports whether a handler is registered under id.
func (m *Multiplexer) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[id]
	return ok
}

// Install hooks the multiplexer into the engine. Installing an
// installed multiplexer is a no-op.
func (m *Multiplexer) Install() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return
	}
	m.installed = true
	m.rebuildLocked()
}

// Uninstall removes the engine hook, leaving registrations intact.
func (m *Multiplexer) Uninstall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return
	}
	m.installed = false
	m.engine.RemoveHook()
}

// Triggers returns the combined trigger set of all handlers.
func (m *Multiplexer) Triggers() script.HookTriggers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.combinedLocked()
}

func (m *Multiplexer) combinedLocked() script.HookTriggers {
	var combined script.HookTriggers
	for _, entry := range m.handlers {
		combined = combined.Union(entry.triggers)
	}
	return combined
}

// rebuildLocked recomputes dispatch order and, when installed, resets
// the engine hook to the current combined trigger set.
func (m *Multiplexer) rebuildLocked() {
	ordered := make([]*handlerEntry, 0, len(m.handlers))
	for _, entry := range m.handlers {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority < ordered[j].priority
		}
		return ordered[i].id < ordered[j].id
	})
	m.ordered = ordered

	if !m.installed {
		return
	}
	combined := m.combinedLocked()
	if combined.Empty() {
		m.engine.RemoveHook()
		return
	}
	m.engine.SetHook(m.dispatch, combined)
}

// dispatch is the hook installed on the engine. Handlers run in
// priority order; the first error aborts the chain and propagates to
// the engine, which unwinds the running script.
func (m *Multiplexer) dispatch(info *script.DebugInfo) error {
	m.mu.Lock()
	snapshot := m.ordered
	m.mu.Unlock()

	for _, entry := range snapshot {
		if !wants(entry.triggers, info.Event) {
			continue
		}
		if err := entry.handler(info); err != nil {
			return err
		}
	}
	return nil
}

// wants reports whether triggers select the given event class.
func wants(t script.HookTriggers, event script.DebugEvent) bool {
	switch event {
	case script.EventLine:
		return t.EveryLine
	case script.EventCall, script.EventTailCall:
		return t.OnCalls
	case script.EventReturn:
		return t.OnReturns
	case script.EventCount:
		return t.EveryNthInstruction != 0
	default:
		return false
	}
}
