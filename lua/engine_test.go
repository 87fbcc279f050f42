package lua

import (
	"context"
	"testing"
	"time"

	"github.com/incantor/incant/script"
)

// ---------------------------------------------------------------------------
// REPL surface tests
// ---------------------------------------------------------------------------

func TestIsComplete(t *testing.T) {
	cases := []struct {
		code string
		want script.CompleteStatus
	}{
		{"return 1 + 1", script.CompleteYes},
		{"local x = 1", script.CompleteYes},
		{"", script.CompleteYes},
		{"function f()", script.CompleteNo},
		{"if x then", script.CompleteNo},
		{"while true do", script.CompleteNo},
		{"local t = {", script.CompleteNo},
		{"local s = 'unfinished", script.CompleteNo},
		{"return )", script.CompleteInvalid},
		{"local 5 = x", script.CompleteInvalid},
	}
	engine := NewEngine()
	for _, tc := range cases {
		if got := engine.IsComplete(tc.code); got != tc.want {
			t.Errorf("IsComplete(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestComplete(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Eval(context.Background(), "primary = 1", "test.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	matches, start := engine.Complete("return pri", 10)
	if start != 7 {
		t.Errorf("start = %d, want 7", start)
	}
	wantSeen := map[string]bool{"print": false, "primary": false}
	for _, m := range matches {
		if _, ok := wantSeen[m]; ok {
			wantSeen[m] = true
		}
	}
	for name, seen := range wantSeen {
		if !seen {
			t.Errorf("Complete missing %q in %v", name, matches)
		}
	}

	// keywords complete too
	matches, _ = engine.Complete("ret", 3)
	found := false
	for _, m := range matches {
		if m == "return" {
			found = true
		}
	}
	if !found {
		t.Errorf("Complete(ret) = %v, want return included", matches)
	}

	// empty prefix yields nothing
	matches, start = engine.Complete("x + ", 4)
	if len(matches) != 0 || start != 4 {
		t.Errorf("Complete on empty prefix = %v at %d", matches, start)
	}
}

func TestCheckSyntax(t *testing.T) {
	engine := NewEngine()
	if err := engine.CheckSyntax("return 1"); err != nil {
		t.Errorf("CheckSyntax(valid) = %v", err)
	}
	if err := engine.CheckSyntax("return ) junk"); err == nil {
		t.Error("CheckSyntax(invalid) = nil, want error")
	}
}

// ---------------------------------------------------------------------------
// Debug surface tests
// ---------------------------------------------------------------------------

func TestHookLineEvents(t *testing.T) {
	engine := NewEngine()
	var lines []int
	engine.SetHook(func(info *script.DebugInfo) error {
		if info.Event == script.EventLine {
			lines = append(lines, info.Line)
		}
		return nil
	}, script.HookTriggers{EveryLine: true})

	code := "local x = 1\nlocal y = 2\nlocal z = x + y"
	if _, err := engine.Eval(context.Background(), code, "s.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if len(lines) != 3 || lines[0] != 1 || lines[1] != 2 || lines[2] != 3 {
		t.Errorf("line events = %v, want [1 2 3]", lines)
	}
}

func TestHookCallReturnEvents(t *testing.T) {
	engine := NewEngine()
	var events []string
	engine.SetHook(func(info *script.DebugInfo) error {
		switch info.Event {
		case script.EventCall, script.EventReturn:
			events = append(events, info.Event.String()+":"+info.FuncName)
		}
		return nil
	}, script.HookTriggers{OnCalls: true, OnReturns: true})

	code := "local function greet() return 1 end\ngreet()"
	if _, err := engine.Eval(context.Background(), code, "s.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if len(events) != 2 || events[0] != "call:greet" || events[1] != "return:greet" {
		t.Errorf("events = %v, want [call:greet return:greet]", events)
	}
}

func TestHookCountEvents(t *testing.T) {
	engine := NewEngine()
	count := 0
	engine.SetHook(func(info *script.DebugInfo) error {
		if info.Event == script.EventCount {
			count++
		}
		return nil
	}, script.HookTriggers{EveryNthInstruction: 5})

	code := "local s = 0\nfor i = 1, 20 do s = s + i end\nreturn s"
	if _, err := engine.Eval(context.Background(), code, "s.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if count == 0 {
		t.Error("no count events fired")
	}
}

func TestRemoveHookStopsEvents(t *testing.T) {
	engine := NewEngine()
	fired := false
	engine.SetHook(func(info *script.DebugInfo) error {
		fired = true
		return nil
	}, script.HookTriggers{EveryLine: true})
	engine.RemoveHook()
	if _, err := engine.Eval(context.Background(), "local x = 1", "s.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if fired {
		t.Error("hook fired after RemoveHook")
	}
}

func TestCompleteWhileRunning(t *testing.T) {
	engine := NewEngine()
	done := make(chan error, 1)
	go func() {
		_, err := engine.Eval(context.Background(), "while true do counter = (counter or 0) + 1 end", "s.lua")
		done <- err
	}()

	// completion scans globals while the loop is writing them
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 100; i++ {
		engine.Complete("return cou", 10)
	}

	engine.Interrupt()
	select {
	case err := <-done:
		if !script.IsInterrupt(err) {
			t.Fatalf("Eval returned %v, want interrupt", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not abort the loop")
	}
}

func TestSetHookWhileRunning(t *testing.T) {
	engine := NewEngine()
	done := make(chan error, 1)
	go func() {
		_, err := engine.Eval(context.Background(), "while true do end", "s.lua")
		done <- err
	}()

	// Install from another goroutine while the loop is spinning; the
	// interpreter picks the hook up at its next safe point.
	time.Sleep(20 * time.Millisecond)
	engine.SetHook(func(info *script.DebugInfo) error {
		return script.ErrInterrupt
	}, script.HookTriggers{EveryNthInstruction: 1})

	select {
	case err := <-done:
		if !script.IsInterrupt(err) {
			t.Fatalf("Eval returned %v, want interrupt", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("running script never observed the newly installed hook")
	}
}

// stopInHook pauses evaluation at the given line and runs inspect with
// the engine stopped inside the callback, the way a debugger does.
func stopInHook(t *testing.T, engine *Engine, code string, line int, inspect func()) {
	t.Helper()
	engine.SetHook(func(info *script.DebugInfo) error {
		if info.Event == script.EventLine && info.Line == line {
			inspect()
		}
		return nil
	}, script.HookTriggers{EveryLine: true})
	if _, err := engine.Eval(context.Background(), code, "s.lua"); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
}

func TestStackAndVariablesAtLine(t *testing.T) {
	engine := NewEngine()
	code := "local x = 1\nlocal y = 2\nlocal z = x + y\nprint(z)"
	inspected := false
	stopInHook(t, engine, code, 3, func() {
		inspected = true
		frames := engine.Stack()
		if len(frames) != 1 {
			t.Fatalf("stack depth = %d, want 1", len(frames))
		}
		top := frames[0]
		if top.Source != "s.lua" || top.Line != 3 {
			t.Errorf("top frame at %s:%d, want s.lua:3", top.Source, top.Line)
		}

		vars := engine.FrameVariables(top.ID)
		byName := map[string]script.Variable{}
		for _, v := range vars {
			byName[v.Name] = v
		}
		if v, ok := byName["x"]; !ok || v.Value != float64(1) || v.Type != "number" {
			t.Errorf("x = %+v, want number 1", byName["x"])
		}
		if v, ok := byName["y"]; !ok || v.Value != float64(2) {
			t.Errorf("y = %+v, want 2", byName["y"])
		}
		if _, ok := byName["z"]; ok {
			t.Error("z visible before its declaration executed")
		}
	})
	if !inspected {
		t.Fatal("hook never reached line 3")
	}
}

func TestStackInnermostFirst(t *testing.T) {
	engine := NewEngine()
	code := "local function inner()\nlocal marker = true\nreturn marker\nend\nlocal function outer() return inner() end\nouter()"
	stopInHook(t, engine, code, 2, func() {
		frames := engine.Stack()
		if len(frames) != 3 {
			t.Fatalf("stack depth = %d, want 3", len(frames))
		}
		if frames[0].Name != "inner" || frames[1].Name != "outer" {
			t.Errorf("frame order = %q, %q, want inner, outer", frames[0].Name, frames[1].Name)
		}
		if frames[2].Name != "main chunk" {
			t.Errorf("outermost frame = %q, want main chunk", frames[2].Name)
		}
	})
}

func TestEvaluateInFrame(t *testing.T) {
	engine := NewEngine()
	code := "local x = 10\nlocal y = 20\nlocal z = x + y"
	stopInHook(t, engine, code, 3, func() {
		top := engine.Stack()[0]

		got, err := engine.EvaluateInFrame(top.ID, "x + y")
		if err != nil {
			t.Fatalf("EvaluateInFrame failed: %v", err)
		}
		if got != float64(30) {
			t.Errorf("x + y = %v, want 30", got)
		}

		// conditions evaluate too
		got, err = engine.EvaluateInFrame(top.ID, "x > 5")
		if err != nil || got != true {
			t.Errorf("x > 5 = %v (%v), want true", got, err)
		}

		if _, err := engine.EvaluateInFrame(9999, "x"); err == nil {
			t.Error("EvaluateInFrame with bad frame id succeeded")
		}
	})
}

func TestEngineRegistry(t *testing.T) {
	engine, err := script.New("lua")
	if err != nil {
		t.Fatalf("script.New(lua) failed: %v", err)
	}
	if engine.Name() != "lua" {
		t.Errorf("Name = %q, want lua", engine.Name())
	}
	if _, err := script.New("cobol"); err == nil {
		t.Error("script.New(cobol) succeeded, want error")
	}
}
