package debug

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/script"
)

var dbgLog = commonlog.GetLogger("debug.debugger")

const handlerIDDebugger = "debugger"

// DefaultCheckInterval is the instruction interval of minimal mode.
const DefaultCheckInterval uint32 = 1000

// Mode selects how intrusively the debugger hooks the engine.
type Mode int

const (
	// ModeDisabled leaves the engine unhooked.
	ModeDisabled Mode = iota
	// ModeMinimal checks for pause requests every CheckInterval
	// instructions; breakpoints and stepping are inactive.
	ModeMinimal
	// ModeFull receives every line, call, and return event.
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeMinimal:
		return "minimal"
	case ModeFull:
		return "full"
	}
	return "unknown"
}

// StepMode tracks the pending step request while resuming.
type StepMode int

const (
	StepNone StepMode = iota
	StepInto          // stop at the next line event anywhere
	StepOver          // stop at the next line event at or above the paused depth
)

// Breakpoint is a source-line breakpoint.
type Breakpoint struct {
	ID          int
	File        string
	Line        int
	Condition   string // empty means unconditional
	HitCount    int    // stop only on the Nth qualifying hit; 0 means every hit
	IgnoreCount int    // skip the first N qualifying hits
	Enabled     bool
	CurrentHits int
}

type breakpointKey struct {
	file string
	line int
}

// Location is a stop position.
type Location struct {
	File string
	Line int
}

// Event is a debugger state change pushed to the session layer.
type Event struct {
	Type     string // "stopped", "continued"
	Reason   string // "breakpoint", "step", "pause"
	Location Location
}

// EventSink receives debugger events. Callbacks run on the engine's
// execution goroutine and must not block on the debugger itself.
type EventSink func(Event)

// resumeCmd carries the resume decision back to the paused handler.
type resumeCmd struct {
	step StepMode
}

// Debugger implements breakpoints, pause/resume, and stepping as a
// multiplexer handler. The handler goroutine (the engine's execution
// goroutine) blocks inside onEvent while paused; control requests
// arrive from the session goroutine through resumeChan.
type Debugger struct {
	engine script.Engine
	mux    *Multiplexer
	sink   EventSink

	resumeChan chan resumeCmd

	mu           sync.Mutex
	mode         Mode
	interval     uint32
	nextBPID     int
	breakpoints  map[breakpointKey]*Breakpoint
	paused       bool
	pauseReason  string
	pausedAt     Location
	pausedDepth  int
	pendingPause bool
	stepMode     StepMode
	stepDepth    int
}

// NewDebugger returns a debugger in disabled mode. Events are pushed
// to sink; a nil sink discards them.
func NewDebugger(engine script.Engine, mux *Multiplexer, sink EventSink) *Debugger {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Debugger{
		engine:      engine,
		mux:         mux,
		sink:        sink,
		resumeChan:  make(chan resumeCmd, 1),
		interval:    DefaultCheckInterval,
		nextBPID:    1,
		breakpoints: map[breakpointKey]*Breakpoint{},
	}
}

// SetMode switches debugger intrusiveness and re-registers the
// handler with the matching trigger set. Switching away from full
// mode while paused resumes execution first.
func (d *Debugger) SetMode(mode Mode) {
	d.ResumeIfPaused()

	d.mu.Lock()
	d.mode = mode
	d.stepMode = StepNone
	d.mu.Unlock()

	switch mode {
	case ModeDisabled:
		d.mux.Unregister(handlerIDDebugger)
	case ModeMinimal:
		d.mux.Register(handlerIDDebugger, PriorityDebugger,
			script.HookTriggers{EveryNthInstruction: d.checkInterval()}, d.onEvent)
	case ModeFull:
		d.mux.Register(handlerIDDebugger, PriorityDebugger,
			script.HookTriggers{EveryLine: true, OnCalls: true, OnReturns: true}, d.onEvent)
	}
	dbgLog.Infof("debug mode set to %s", mode)
}

// Mode returns the current mode.
func (d *Debugger) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetCheckInterval adjusts the minimal-mode instruction interval; zero
// restores the default.
func (d *Debugger) SetCheckInterval(n uint32) {
	d.mu.Lock()
	if n == 0 {
		n = DefaultCheckInterval
	}
	d.interval = n
	mode := d.mode
	d.mu.Unlock()
	if mode == ModeMinimal {
		d.SetMode(ModeMinimal)
	}
}

func (d *Debugger) checkInterval() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

// SetBreakpoint registers (or replaces) the breakpoint at file:line.
func (d *Debugger) SetBreakpoint(file string, line int, condition string, hitCount, ignoreCount int) (*Breakpoint, error) {
	if file == "" || line < 1 {
		return nil, fmt.Errorf("debug: invalid breakpoint location %s:%d", file, line)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bp := &Breakpoint{
		ID:          d.nextBPID,
		File:        file,
		Line:        line,
		Condition:   condition,
		HitCount:    hitCount,
		IgnoreCount: ignoreCount,
		Enabled:     true,
	}
	d.nextBPID++
	d.breakpoints[breakpointKey{file, line}] = bp
	dbgLog.Debugf("breakpoint %d set at %s:%d", bp.ID, file, line)
	snapshot := *bp
	return &snapshot, nil
}

// RemoveBreakpoint deletes the breakpoint with the given id.
func (d *Debugger) RemoveBreakpoint(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, bp := range d.breakpoints {
		if bp.ID == id {
			delete(d.breakpoints, key)
			dbgLog.Debugf("breakpoint %d removed", id)
			return true
		}
	}
	return false
}

// SetBreakpointEnabled toggles a breakpoint without losing its hit
// counters.
func (d *Debugger) SetBreakpointEnabled(id int, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.ID == id {
			bp.Enabled = enabled
			return true
		}
	}
	return false
}

// Breakpoints lists registered breakpoints, snapshot copies.
func (d *Debugger) Breakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, *bp)
	}
	return out
}

// ClearBreakpoints removes all breakpoints.
func (d *Debugger) ClearBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints = map[breakpointKey]*Breakpoint{}
}

// ---------------------------------------------------------------------------
// Execution control
// ---------------------------------------------------------------------------

// Pause requests a stop at the next debug event.
func (d *Debugger) Pause() {
	d.mu.Lock()
	d.pendingPause = true
	d.mu.Unlock()
}

// Continue resumes a paused script.
func (d *Debugger) Continue() error { return d.resume(StepNone) }

// StepInto resumes until the next line event at any depth.
func (d *Debugger) StepInto() error { return d.resume(StepInto) }

// StepOver resumes until the next line event at or above the paused
// frame's depth.
func (d *Debugger) StepOver() error { return d.resume(StepOver) }

func (d *Debugger) resume(step StepMode) error {
	d.mu.Lock()
	if !d.paused {
		d.mu.Unlock()
		return fmt.Errorf("debug: not paused")
	}
	d.mu.Unlock()
	d.resumeChan <- resumeCmd{step: step}
	return nil
}

// ResumeIfPaused releases a paused script without error when nothing
// is paused. Used on shutdown and mode changes.
func (d *Debugger) ResumeIfPaused() {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if paused {
		select {
		case d.resumeChan <- resumeCmd{step: StepNone}:
		default:
		}
	}
}

// Paused reports the pause state and, when paused, the stop location.
func (d *Debugger) Paused() (bool, string, Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused, d.pauseReason, d.pausedAt
}

// ---------------------------------------------------------------------------
// Inspection (valid only while paused)
// ---------------------------------------------------------------------------

// StackTrace returns up to levels frames starting at start, innermost
// first. levels of zero means all.
func (d *Debugger) StackTrace(start, levels int) ([]script.Frame, int) {
	frames := d.engine.Stack()
	total := len(frames)
	if start < 0 {
		start = 0
	}
	if start >= total {
		return nil, total
	}
	frames = frames[start:]
	if levels > 0 && levels < len(frames) {
		frames = frames[:levels]
	}
	return frames, total
}

// Variables lists the bindings of a frame.
func (d *Debugger) Variables(frameID int) []script.Variable {
	return d.engine.FrameVariables(frameID)
}

// Evaluate runs an expression in a paused frame's scope.
func (d *Debugger) Evaluate(frameID int, expr string) (script.Value, error) {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if !paused {
		return nil, fmt.Errorf("debug: evaluate requires a paused script")
	}
	return d.engine.EvaluateInFrame(frameID, expr)
}

// ---------------------------------------------------------------------------
// Hook handler
// ---------------------------------------------------------------------------

// onEvent runs on the engine's execution goroutine for every event the
// debugger's triggers select. It decides whether to stop and, if so,
// blocks until a control request resumes it.
func (d *Debugger) onEvent(info *script.DebugInfo) error {
	d.mu.Lock()
	if d.pendingPause {
		d.pendingPause = false
		d.mu.Unlock()
		return d.stop("pause", info)
	}
	mode := d.mode
	step := d.stepMode
	stepDepth := d.stepDepth
	d.mu.Unlock()

	if mode != ModeFull || info.Event != script.EventLine {
		return nil
	}

	switch step {
	case StepInto:
		return d.stop("step", info)
	case StepOver:
		if info.Depth <= stepDepth {
			return d.stop("step", info)
		}
	}

	if bp := d.matchBreakpoint(info); bp != nil {
		return d.stop("breakpoint", info)
	}
	return nil
}

// matchBreakpoint evaluates whether a breakpoint at the event's
// location qualifies, updating its hit counters.
func (d *Debugger) matchBreakpoint(info *script.DebugInfo) *Breakpoint {
	d.mu.Lock()
	bp, ok := d.breakpoints[breakpointKey{info.Source, info.Line}]
	if !ok || !bp.Enabled {
		d.mu.Unlock()
		return nil
	}
	condition := bp.Condition
	d.mu.Unlock()

	if condition != "" {
		// Hooks are suppressed during condition evaluation, so this
		// cannot recurse into the debugger.
		hit, err := evalCondition(d.engine, condition)
		if err != nil {
			dbgLog.Errorf("breakpoint %d condition %q: %v", bp.ID, condition, err)
			// a broken condition stops rather than silently skipping
		} else if !hit {
			return nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	bp.CurrentHits++
	// hit_count counts qualifying hits, i.e. those left after the
	// ignore_count skips.
	qualifying := bp.CurrentHits - bp.IgnoreCount
	if qualifying <= 0 {
		return nil
	}
	if bp.HitCount > 0 && qualifying != bp.HitCount {
		return nil
	}
	return bp
}

// stop publishes the stopped event and blocks until resumed.
func (d *Debugger) stop(reason string, info *script.DebugInfo) error {
	location := Location{File: info.Source, Line: info.Line}
	d.mu.Lock()
	// Discard a resume raced in at the tail of the previous pause, so
	// it cannot wake this stop spuriously. The channel is buffered so
	// a ResumeIfPaused landing while the sink below is publishing is
	// kept rather than lost.
	select {
	case <-d.resumeChan:
	default:
	}
	d.paused = true
	d.pauseReason = reason
	d.pausedAt = location
	d.pausedDepth = info.Depth
	d.stepMode = StepNone
	d.mu.Unlock()

	dbgLog.Debugf("stopped at %s:%d (%s)", location.File, location.Line, reason)
	d.sink(Event{Type: "stopped", Reason: reason, Location: location})

	cmd := <-d.resumeChan

	d.mu.Lock()
	d.paused = false
	d.stepMode = cmd.step
	d.stepDepth = info.Depth
	d.mu.Unlock()

	d.sink(Event{Type: "continued", Location: location})
	return nil
}
