package lua

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/incantor/incant/script"
)

func init() {
	script.Register("lua", func() (script.Engine, error) {
		return NewEngine(), nil
	})
}

// Engine adapts the interpreter to the script.Engine surface. It is
// not safe for concurrent Eval; the kernel serializes all execution
// through its worker. Stack, FrameVariables, and EvaluateInFrame may
// be called from another goroutine while Eval is stopped inside the
// debug callback.
type Engine struct {
	in *interp
}

// NewEngine returns a fresh engine with a clean global environment.
func NewEngine() *Engine {
	return &Engine{in: newInterp()}
}

func (e *Engine) Name() string { return "lua" }

// Eval parses and runs code. Empty or whitespace-only code is a no-op
// returning nil. The result is bridged to the JSON value model.
func (e *Engine) Eval(ctx context.Context, code, source string) (script.Value, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	stmts, err := Parse(source, code)
	if err != nil {
		return nil, err
	}
	result, err := e.in.run(ctx, stmts, source)
	if err != nil {
		return nil, err
	}
	return bridgeValue(result), nil
}

func (e *Engine) CheckSyntax(code string) error {
	_, err := Parse("input", code)
	return err
}

// IsComplete reports whether code is a finished chunk. A parse error
// at end of input means the chunk can be continued.
func (e *Engine) IsComplete(code string) script.CompleteStatus {
	if strings.TrimSpace(code) == "" {
		return script.CompleteYes
	}
	_, err := Parse("input", code)
	if err == nil {
		return script.CompleteYes
	}
	var syntaxErr *SyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr.EOF {
		return script.CompleteNo
	}
	return script.CompleteInvalid
}

// Complete matches the identifier ending at cursor against keywords
// and global names.
func (e *Engine) Complete(code string, cursor int) ([]string, int) {
	if cursor > len(code) {
		cursor = len(code)
	}
	if cursor < 0 {
		cursor = 0
	}
	start := cursor
	for start > 0 {
		r := rune(code[start-1])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		start--
	}
	prefix := code[start:cursor]
	if prefix == "" {
		return nil, cursor
	}
	seen := map[string]bool{}
	var matches []string
	for _, candidate := range append(Keywords(), e.in.globalNames()...) {
		if strings.HasPrefix(candidate, prefix) && !seen[candidate] {
			seen[candidate] = true
			matches = append(matches, candidate)
		}
	}
	sort.Strings(matches)
	return matches, start
}

// SetHook installs the debug callback. Safe to call while a script is
// running on another goroutine; the interpreter picks the new hook up
// at its next safe point.
func (e *Engine) SetHook(h script.Hook, t script.HookTriggers) {
	e.in.hook.Store(&hookState{fn: h, triggers: t})
}

func (e *Engine) RemoveHook() {
	e.in.hook.Store(nil)
}

// Stack snapshots the live call stack, innermost first.
func (e *Engine) Stack() []script.Frame {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	frames := make([]script.Frame, 0, len(e.in.frames))
	for i := len(e.in.frames) - 1; i >= 0; i-- {
		f := e.in.frames[i]
		frames = append(frames, script.Frame{
			ID:       f.id,
			Name:     f.name,
			Source:   f.source,
			Line:     f.line,
			UserCode: true,
		})
	}
	return frames
}

// FrameVariables lists the bindings visible in the frame's innermost
// scope chain, stopping short of globals. Inner shadowing wins.
func (e *Engine) FrameVariables(frameID int) []script.Variable {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	frame := e.findFrame(frameID)
	if frame == nil {
		return nil
	}
	seen := map[string]bool{}
	var vars []script.Variable
	for scope := frame.env; scope != nil && scope != e.in.globals; scope = scope.parent {
		for name, value := range scope.vars {
			if seen[name] {
				continue
			}
			seen[name] = true
			vars = append(vars, script.Variable{
				Name:  name,
				Value: bridgeValue(value),
				Type:  typeName(value),
			})
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// EvaluateInFrame runs an expression against a paused frame's scope.
// Debug hooks are suppressed for the evaluation, since the engine may
// already be stopped inside its callback.
func (e *Engine) EvaluateInFrame(frameID int, expr string) (script.Value, error) {
	e.in.mu.Lock()
	frame := e.findFrame(frameID)
	if frame == nil {
		e.in.mu.Unlock()
		return nil, errors.New("lua: no such frame")
	}
	scope := frame.env
	e.in.mu.Unlock()

	code := strings.TrimSpace(expr)
	stmts, err := Parse("eval", "return "+code)
	if err != nil {
		stmts, err = Parse("eval", code)
		if err != nil {
			return nil, err
		}
	}

	e.in.hooksOff = true
	defer func() { e.in.hooksOff = false }()
	evalFrame := &luaFrame{id: -1, name: "eval", source: "eval", env: scope, rootEnv: scope}
	ctl, val, err := e.in.evalBlock(stmts, evalFrame, scope)
	if err != nil {
		return nil, err
	}
	if ctl == ctlReturn {
		return bridgeValue(val), nil
	}
	return nil, nil
}

func (e *Engine) SetStreams(stdout, stderr io.Writer) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	e.in.stdout = stdout
	e.in.stderr = stderr
}

func (e *Engine) GlobalNames() []string { return e.in.globalNames() }

// Interrupt requests a cooperative abort; the running script unwinds
// with script.ErrInterrupt at the next safe point.
func (e *Engine) Interrupt() { e.in.interrupted.Store(true) }

func (e *Engine) findFrame(id int) *luaFrame {
	for _, f := range e.in.frames {
		if f.id == id {
			return f
		}
	}
	return nil
}

// bridgeValue maps interpreter values to the JSON value model. Tables
// with consecutive 1..n keys become arrays, other tables become maps
// with stringified keys, and functions become tagged strings.
func bridgeValue(v any) script.Value {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val
	case *Table:
		n := val.Len()
		if n > 0 && n == len(val.entries) {
			arr := make([]script.Value, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = bridgeValue(val.Get(float64(i)))
			}
			return arr
		}
		out := make(map[string]script.Value, len(val.entries))
		for key, item := range val.entries {
			out[ToString(key)] = bridgeValue(item)
		}
		return out
	default:
		return script.Bridge(v)
	}
}
