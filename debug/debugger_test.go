package debug

import (
	"context"
	"testing"
	"time"

	"github.com/incantor/incant/lua"
	"github.com/incantor/incant/script"
)

// session wires a real engine, multiplexer, and debugger together and
// runs code on a background goroutine the way the kernel's worker does.
type session struct {
	engine *lua.Engine
	mux    *Multiplexer
	dbg    *Debugger
	events chan Event
	done   chan error
}

func newSession(t *testing.T) *session {
	t.Helper()
	engine := lua.NewEngine()
	mux := NewMultiplexer(engine)
	mux.Install()
	s := &session{
		engine: engine,
		mux:    mux,
		events: make(chan Event, 16),
		done:   make(chan error, 1),
	}
	s.dbg = NewDebugger(engine, mux, func(e Event) { s.events <- e })
	return s
}

func (s *session) run(code string) {
	go func() {
		_, err := s.engine.Eval(context.Background(), code, "s.lua")
		s.done <- err
	}()
}

func (s *session) waitStopped(t *testing.T) Event {
	t.Helper()
	for {
		select {
		case e := <-s.events:
			if e.Type == "stopped" {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stop")
		}
	}
}

func (s *session) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for script completion")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Debugger tests
// ---------------------------------------------------------------------------

func TestBreakpointStopsWithVariables(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	if _, err := s.dbg.SetBreakpoint("s.lua", 3, "", 0, 0); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	s.run("local x = 1\nlocal y = 2\nlocal z = x + y\nprint(z)")
	stopped := s.waitStopped(t)
	if stopped.Reason != "breakpoint" {
		t.Errorf("stop reason = %q, want breakpoint", stopped.Reason)
	}
	if stopped.Location.File != "s.lua" || stopped.Location.Line != 3 {
		t.Errorf("stopped at %s:%d, want s.lua:3", stopped.Location.File, stopped.Location.Line)
	}

	frames, total := s.dbg.StackTrace(0, 0)
	if total != 1 || len(frames) != 1 {
		t.Fatalf("stack = %d frames (total %d), want 1", len(frames), total)
	}
	vars := s.dbg.Variables(frames[0].ID)
	byName := map[string]script.Variable{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	if byName["x"].Value != float64(1) || byName["y"].Value != float64(2) {
		t.Errorf("paused variables = %v, want x=1 y=2", vars)
	}

	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestConditionalBreakpoint(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	if _, err := s.dbg.SetBreakpoint("s.lua", 2, "i == 4", 0, 0); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	s.run("for i = 1, 10 do\nlocal seen = i\nend")
	s.waitStopped(t)

	frames, _ := s.dbg.StackTrace(0, 1)
	value, err := s.dbg.Evaluate(frames[0].ID, "i")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if value != float64(4) {
		t.Errorf("i = %v at conditional stop, want 4", value)
	}

	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestIgnoreCountSkipsHits(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	if _, err := s.dbg.SetBreakpoint("s.lua", 2, "", 0, 3); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	s.run("for i = 1, 5 do\nlocal seen = i\nend")
	s.waitStopped(t)

	frames, _ := s.dbg.StackTrace(0, 1)
	value, err := s.dbg.Evaluate(frames[0].ID, "i")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if value != float64(4) {
		t.Errorf("first stop at i = %v, want 4 (three hits ignored)", value)
	}

	// the remaining qualifying hit (i=5) stops once more
	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	s.waitStopped(t)
	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestHitCountAfterIgnoredHits(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	// ignore the first two hits, then stop on the first qualifying one
	if _, err := s.dbg.SetBreakpoint("s.lua", 2, "", 1, 2); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	s.run("for i = 1, 5 do\nlocal seen = i\nend")
	s.waitStopped(t)

	frames, _ := s.dbg.StackTrace(0, 1)
	value, err := s.dbg.Evaluate(frames[0].ID, "i")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if value != float64(3) {
		t.Errorf("stopped at i = %v, want 3 (two hits ignored, first qualifying stops)", value)
	}

	// no further qualifying hit matches, so the loop runs out
	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestResumeDuringStopPublish(t *testing.T) {
	engine := lua.NewEngine()
	mux := NewMultiplexer(engine)
	mux.Install()
	var dbg *Debugger
	// the sink resumes immediately, modelling an interrupt that lands
	// while the stopped event is still being broadcast
	dbg = NewDebugger(engine, mux, func(e Event) {
		if e.Type == "stopped" {
			dbg.ResumeIfPaused()
		}
	})
	dbg.SetMode(ModeFull)
	if _, err := dbg.SetBreakpoint("s.lua", 2, "", 0, 0); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.Eval(context.Background(), "local x = 1\nlocal y = 2", "s.lua")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("script failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wakeup lost; script still parked at the breakpoint")
	}
}

func TestStepIntoAndOver(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	if _, err := s.dbg.SetBreakpoint("s.lua", 5, "", 0, 0); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	code := "local function double(n)\nreturn n * 2\nend\nlocal a = 1\nlocal b = double(a)\nlocal c = b + 1"
	s.run(code)
	s.waitStopped(t)

	// step into descends into double
	if err := s.dbg.StepInto(); err != nil {
		t.Fatalf("StepInto failed: %v", err)
	}
	stopped := s.waitStopped(t)
	if stopped.Reason != "step" || stopped.Location.Line != 2 {
		t.Errorf("StepInto stopped at line %d (%s), want 2 (step)", stopped.Location.Line, stopped.Reason)
	}

	// step over runs the rest of double and lands on line 6
	if err := s.dbg.StepOver(); err != nil {
		t.Fatalf("StepOver failed: %v", err)
	}
	stopped = s.waitStopped(t)
	if stopped.Location.Line != 6 {
		t.Errorf("StepOver stopped at line %d, want 6", stopped.Location.Line)
	}

	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestPauseRequest(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)

	started := make(chan struct{})
	s.mux.Register("starter", -100, script.HookTriggers{EveryLine: true}, func(info *script.DebugInfo) error {
		select {
		case <-started:
		default:
			close(started)
		}
		return nil
	})

	s.run("local n = 0\nwhile true do\nn = n + 1\nend")
	<-started
	s.dbg.Pause()

	stopped := s.waitStopped(t)
	if stopped.Reason != "pause" {
		t.Errorf("stop reason = %q, want pause", stopped.Reason)
	}

	// evaluate while paused, then abort the loop by removing the hook
	// and interrupting
	frames, _ := s.dbg.StackTrace(0, 1)
	if _, err := s.dbg.Evaluate(frames[0].ID, "n >= 0"); err != nil {
		t.Errorf("Evaluate while paused failed: %v", err)
	}

	s.engine.Interrupt()
	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); !script.IsInterrupt(err) {
		t.Errorf("loop ended with %v, want interrupt", err)
	}
}

func TestMinimalModeHonorsPause(t *testing.T) {
	s := newSession(t)
	s.dbg.SetCheckInterval(10)
	s.dbg.SetMode(ModeMinimal)
	s.dbg.Pause()

	s.run("local n = 0\nwhile n < 100000 do\nn = n + 1\nend")
	stopped := s.waitStopped(t)
	if stopped.Reason != "pause" {
		t.Errorf("stop reason = %q, want pause", stopped.Reason)
	}
	if err := s.dbg.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
}

func TestBreakpointLifecycle(t *testing.T) {
	s := newSession(t)
	bp, err := s.dbg.SetBreakpoint("s.lua", 3, "", 0, 0)
	if err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	if bp.ID == 0 || !bp.Enabled {
		t.Errorf("breakpoint = %+v, want enabled with nonzero id", bp)
	}
	if len(s.dbg.Breakpoints()) != 1 {
		t.Error("breakpoint not listed")
	}
	if !s.dbg.SetBreakpointEnabled(bp.ID, false) {
		t.Error("disable failed")
	}
	if !s.dbg.RemoveBreakpoint(bp.ID) {
		t.Error("remove failed")
	}
	if s.dbg.RemoveBreakpoint(bp.ID) {
		t.Error("second remove reported success")
	}
	if _, err := s.dbg.SetBreakpoint("", 0, "", 0, 0); err == nil {
		t.Error("invalid location accepted")
	}
}

func TestDisabledModeNeverStops(t *testing.T) {
	s := newSession(t)
	s.dbg.SetMode(ModeFull)
	if _, err := s.dbg.SetBreakpoint("s.lua", 1, "", 0, 0); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	s.dbg.SetMode(ModeDisabled)

	s.run("local x = 1")
	if err := s.waitDone(t); err != nil {
		t.Errorf("script failed: %v", err)
	}
	select {
	case e := <-s.events:
		if e.Type == "stopped" {
			t.Error("stopped while disabled")
		}
	default:
	}
}
