package lua

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/incantor/incant/script"
)

const maxCallDepth = 200

// Table is the associative container. Array-style entries are stored
// under float64 keys starting at 1.
type Table struct {
	entries map[any]any
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: map[any]any{}}
}

// Get returns the value under key, nil when absent.
func (t *Table) Get(key any) any { return t.entries[key] }

// Set stores value under key; storing nil deletes the entry.
func (t *Table) Set(key, value any) {
	if value == nil {
		delete(t.entries, key)
		return
	}
	t.entries[key] = value
}

// Len is the # operator: the count of consecutive integer keys from 1.
func (t *Table) Len() int {
	n := 0
	for {
		if _, ok := t.entries[float64(n+1)]; !ok {
			return n
		}
		n++
	}
}

func (t *Table) String() string {
	return fmt.Sprintf("table: %p", t)
}

// Function is a script-defined closure.
type Function struct {
	proto *FuncExpr
	env   *env
	src   string
}

func (f *Function) String() string {
	name := f.proto.Name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("function: %s", name)
}

// GoFunc is a host-provided builtin.
type GoFunc struct {
	Name string
	Fn   func(args []any) (any, error)
}

func (f *GoFunc) String() string { return fmt.Sprintf("function: builtin %s", f.Name) }

// RuntimeError is a script-level failure with its position and the
// call stack at raise time.
type RuntimeError struct {
	Source    string
	Line      int
	Msg       string
	Traceback []string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
}

// ---------------------------------------------------------------------------
// Environments and frames
// ---------------------------------------------------------------------------

type env struct {
	// mu is set only on the globals scope, which completion scans from
	// other goroutines while a running script may be writing it.
	mu     *sync.RWMutex
	vars   map[string]any
	parent *env
}

func newEnv(parent *env) *env {
	return &env{vars: map[string]any{}, parent: parent}
}

func (e *env) set(name string, value any) {
	if e.mu != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	e.vars[name] = value
}

func (e *env) lookup(name string) (any, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// assign walks the chain and updates the innermost scope holding name;
// unbound names fall through to the root (globals).
func (e *env) assign(name string, value any) {
	scope := e
	for ; scope != nil; scope = scope.parent {
		if _, ok := scope.vars[name]; ok {
			scope.set(name, value)
			return
		}
		if scope.parent == nil {
			break
		}
	}
	scope.set(name, value)
}

func (e *env) declare(name string, value any) { e.set(name, value) }

type luaFrame struct {
	id      int
	name    string
	source  string
	line    int
	env     *env // innermost scope, updated as blocks open
	rootEnv *env // function-level scope
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

type interp struct {
	globals *env

	// mu guards frames against concurrent Stack/FrameVariables reads
	// while execution is stopped inside the debug callback.
	mu     sync.Mutex
	frames []*luaFrame

	// hook holds the callback and its triggers in one pointer so
	// installs from other goroutines (debug mode changes, profiler
	// toggles) never tear against the worker reading them in step.
	hook     atomic.Pointer[hookState]
	hooksOff bool // set while evaluating breakpoint conditions

	instr  uint64
	nextID int

	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	interrupted atomic.Bool
}

func newInterp() *interp {
	in := &interp{
		globals: newEnv(nil),
		stdout:  io.Discard,
		stderr:  io.Discard,
		ctx:     context.Background(),
	}
	in.globals.mu = &sync.RWMutex{}
	in.installBuiltins()
	return in
}

// hookState pairs a debug callback with its trigger set.
type hookState struct {
	fn       script.Hook
	triggers script.HookTriggers
}

type control int

const (
	ctlNone control = iota
	ctlReturn
	ctlBreak
)

// run executes a parsed chunk as the outermost frame.
func (in *interp) run(ctx context.Context, stmts []Stmt, source string) (any, error) {
	in.ctx = ctx
	in.interrupted.Store(false)
	frame := in.pushFrame("main chunk", source)
	defer in.popFrame()
	ctl, val, err := in.evalBlock(stmts, frame, frame.env)
	if err != nil {
		return nil, err
	}
	if ctl == ctlReturn {
		return val, nil
	}
	return nil, nil
}

func (in *interp) pushFrame(name, source string) *luaFrame {
	in.mu.Lock()
	defer in.mu.Unlock()
	scope := newEnv(in.globals)
	frame := &luaFrame{id: in.nextID, name: name, source: source, env: scope, rootEnv: scope}
	in.nextID++
	in.frames = append(in.frames, frame)
	return frame
}

func (in *interp) pushClosureFrame(fn *Function) *luaFrame {
	in.mu.Lock()
	defer in.mu.Unlock()
	name := fn.proto.Name
	if name == "" {
		name = "?"
	}
	scope := newEnv(fn.env)
	frame := &luaFrame{id: in.nextID, name: name, source: fn.src, line: fn.proto.Line, env: scope, rootEnv: scope}
	in.nextID++
	in.frames = append(in.frames, frame)
	return frame
}

func (in *interp) popFrame() {
	in.mu.Lock()
	in.frames = in.frames[:len(in.frames)-1]
	in.mu.Unlock()
}

func (in *interp) depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.frames)
}

func (in *interp) topFrame() *luaFrame {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.frames) == 0 {
		return nil
	}
	return in.frames[len(in.frames)-1]
}

// step is the per-statement safe point: it services cancellation and
// interrupts, advances the frame position, and fires line and count
// debug events. Loop conditions also pass through here so tight loops
// stay interruptible.
func (in *interp) step(frame *luaFrame, line int) error {
	if err := in.ctx.Err(); err != nil {
		return script.ErrInterrupt
	}
	if in.interrupted.Load() {
		return script.ErrInterrupt
	}
	in.mu.Lock()
	frame.line = line
	in.mu.Unlock()
	in.instr++
	hs := in.hook.Load()
	if hs == nil || in.hooksOff {
		return nil
	}
	if n := hs.triggers.EveryNthInstruction; n != 0 && in.instr%uint64(n) == 0 {
		if err := in.fireHook(hs, script.EventCount, frame, line); err != nil {
			return err
		}
	}
	if hs.triggers.EveryLine {
		return in.fireHook(hs, script.EventLine, frame, line)
	}
	return nil
}

// fireHook invokes the callback without holding mu, so the callback
// (or another goroutine it unblocks) may read the stack.
func (in *interp) fireHook(hs *hookState, event script.DebugEvent, frame *luaFrame, line int) error {
	info := &script.DebugInfo{
		Event:    event,
		Source:   frame.source,
		Line:     line,
		FuncName: frame.name,
		Depth:    in.depth(),
	}
	return hs.fn(info)
}

// ---------------------------------------------------------------------------
// Statement evaluation
// ---------------------------------------------------------------------------

func (in *interp) evalBlock(stmts []Stmt, frame *luaFrame, scope *env) (control, any, error) {
	for _, stmt := range stmts {
		ctl, val, err := in.evalStmt(stmt, frame, scope)
		if err != nil || ctl != ctlNone {
			return ctl, val, err
		}
	}
	return ctlNone, nil, nil
}

func (in *interp) evalStmt(stmt Stmt, frame *luaFrame, scope *env) (control, any, error) {
	if err := in.step(frame, stmt.stmtLine()); err != nil {
		return ctlNone, nil, err
	}
	switch s := stmt.(type) {
	case *LocalStmt:
		values := make([]any, len(s.Names))
		for i := range s.Names {
			if i < len(s.Exprs) {
				v, err := in.evalExpr(s.Exprs[i], frame, scope)
				if err != nil {
					return ctlNone, nil, err
				}
				values[i] = v
			}
		}
		for i, name := range s.Names {
			scope.declare(name, values[i])
		}
		return ctlNone, nil, nil

	case *AssignStmt:
		values := make([]any, len(s.Targets))
		for i := range s.Targets {
			if i < len(s.Exprs) {
				v, err := in.evalExpr(s.Exprs[i], frame, scope)
				if err != nil {
					return ctlNone, nil, err
				}
				values[i] = v
			}
		}
		for i, target := range s.Targets {
			if err := in.assignTo(target, values[i], frame, scope); err != nil {
				return ctlNone, nil, err
			}
		}
		return ctlNone, nil, nil

	case *CallStmt:
		_, err := in.evalExpr(s.Call, frame, scope)
		return ctlNone, nil, err

	case *IfStmt:
		for i, cond := range s.Conds {
			v, err := in.evalExpr(cond, frame, scope)
			if err != nil {
				return ctlNone, nil, err
			}
			if truthy(v) {
				return in.evalScopedBlock(s.Blocks[i], frame, scope)
			}
		}
		if s.Else != nil {
			return in.evalScopedBlock(s.Else, frame, scope)
		}
		return ctlNone, nil, nil

	case *WhileStmt:
		for {
			if err := in.step(frame, s.Line); err != nil {
				return ctlNone, nil, err
			}
			v, err := in.evalExpr(s.Cond, frame, scope)
			if err != nil {
				return ctlNone, nil, err
			}
			if !truthy(v) {
				return ctlNone, nil, nil
			}
			ctl, val, err := in.evalScopedBlock(s.Body, frame, scope)
			if err != nil {
				return ctlNone, nil, err
			}
			if ctl == ctlBreak {
				return ctlNone, nil, nil
			}
			if ctl == ctlReturn {
				return ctl, val, nil
			}
		}

	case *RepeatStmt:
		for {
			ctl, val, err := in.evalScopedBlock(s.Body, frame, scope)
			if err != nil {
				return ctlNone, nil, err
			}
			if ctl == ctlBreak {
				return ctlNone, nil, nil
			}
			if ctl == ctlReturn {
				return ctl, val, nil
			}
			if err := in.step(frame, s.Line); err != nil {
				return ctlNone, nil, err
			}
			v, err := in.evalExpr(s.Cond, frame, scope)
			if err != nil {
				return ctlNone, nil, err
			}
			if truthy(v) {
				return ctlNone, nil, nil
			}
		}

	case *NumForStmt:
		start, err := in.evalNumber(s.Start, frame, scope, "'for' initial value")
		if err != nil {
			return ctlNone, nil, err
		}
		limit, err := in.evalNumber(s.Limit, frame, scope, "'for' limit")
		if err != nil {
			return ctlNone, nil, err
		}
		step := 1.0
		if s.Step != nil {
			step, err = in.evalNumber(s.Step, frame, scope, "'for' step")
			if err != nil {
				return ctlNone, nil, err
			}
		}
		if step == 0 {
			return ctlNone, nil, in.runtimeErr(frame, s.Line, "'for' step is zero")
		}
		for i := start; (step > 0 && i <= limit) || (step < 0 && i >= limit); i += step {
			if err := in.step(frame, s.Line); err != nil {
				return ctlNone, nil, err
			}
			body := newEnv(scope)
			body.declare(s.Var, i)
			ctl, val, err := in.evalBlockIn(s.Body, frame, body)
			if err != nil {
				return ctlNone, nil, err
			}
			if ctl == ctlBreak {
				return ctlNone, nil, nil
			}
			if ctl == ctlReturn {
				return ctl, val, nil
			}
		}
		return ctlNone, nil, nil

	case *FuncStmt:
		fn := &Function{proto: s.Fn, env: scope, src: frame.source}
		if s.IsLocal {
			scope.declare(s.Name, fn)
		} else {
			scope.assign(s.Name, fn)
		}
		return ctlNone, nil, nil

	case *ReturnStmt:
		if s.Expr == nil {
			return ctlReturn, nil, nil
		}
		v, err := in.evalExpr(s.Expr, frame, scope)
		if err != nil {
			return ctlNone, nil, err
		}
		return ctlReturn, v, nil

	case *BreakStmt:
		return ctlBreak, nil, nil
	}
	return ctlNone, nil, in.runtimeErr(frame, stmt.stmtLine(), "unsupported statement")
}

// evalScopedBlock runs a block in a fresh child scope, tracking the
// innermost scope on the frame so variable inspection sees block
// locals.
func (in *interp) evalScopedBlock(stmts []Stmt, frame *luaFrame, parent *env) (control, any, error) {
	return in.evalBlockIn(stmts, frame, newEnv(parent))
}

func (in *interp) evalBlockIn(stmts []Stmt, frame *luaFrame, scope *env) (control, any, error) {
	in.mu.Lock()
	prev := frame.env
	frame.env = scope
	in.mu.Unlock()
	ctl, val, err := in.evalBlock(stmts, frame, scope)
	in.mu.Lock()
	frame.env = prev
	in.mu.Unlock()
	return ctl, val, err
}

func (in *interp) assignTo(target Expr, value any, frame *luaFrame, scope *env) error {
	switch t := target.(type) {
	case *NameExpr:
		scope.assign(t.Name, value)
		return nil
	case *IndexExpr:
		obj, err := in.evalExpr(t.Obj, frame, scope)
		if err != nil {
			return err
		}
		table, ok := obj.(*Table)
		if !ok {
			return in.runtimeErr(frame, t.Line, fmt.Sprintf("attempt to index a %s value", typeName(obj)))
		}
		key, err := in.evalExpr(t.Key, frame, scope)
		if err != nil {
			return err
		}
		if key == nil {
			return in.runtimeErr(frame, t.Line, "table index is nil")
		}
		table.Set(key, value)
		return nil
	}
	return in.runtimeErr(frame, target.exprLine(), "cannot assign to this expression")
}

// ---------------------------------------------------------------------------
// Expression evaluation
// ---------------------------------------------------------------------------

func (in *interp) evalExpr(expr Expr, frame *luaFrame, scope *env) (any, error) {
	switch e := expr.(type) {
	case *NilExpr:
		return nil, nil
	case *BoolExpr:
		return e.Value, nil
	case *NumberExpr:
		return e.Value, nil
	case *StringExpr:
		return e.Value, nil
	case *NameExpr:
		v, _ := scope.lookup(e.Name)
		return v, nil
	case *FuncExpr:
		return &Function{proto: e, env: scope, src: frame.source}, nil
	case *IndexExpr:
		obj, err := in.evalExpr(e.Obj, frame, scope)
		if err != nil {
			return nil, err
		}
		table, ok := obj.(*Table)
		if !ok {
			return nil, in.runtimeErr(frame, e.Line, fmt.Sprintf("attempt to index a %s value", typeName(obj)))
		}
		key, err := in.evalExpr(e.Key, frame, scope)
		if err != nil {
			return nil, err
		}
		return table.Get(key), nil
	case *TableExpr:
		table := NewTable()
		arrayIdx := 0
		for _, field := range e.Fields {
			val, err := in.evalExpr(field.Val, frame, scope)
			if err != nil {
				return nil, err
			}
			if field.Key == nil {
				arrayIdx++
				table.Set(float64(arrayIdx), val)
				continue
			}
			key, err := in.evalExpr(field.Key, frame, scope)
			if err != nil {
				return nil, err
			}
			if key == nil {
				return nil, in.runtimeErr(frame, e.Line, "table index is nil")
			}
			table.Set(key, val)
		}
		return table, nil
	case *CallExpr:
		return in.evalCall(e, frame, scope)
	case *UnExpr:
		return in.evalUnary(e, frame, scope)
	case *BinExpr:
		return in.evalBinary(e, frame, scope)
	}
	return nil, in.runtimeErr(frame, expr.exprLine(), "unsupported expression")
}

func (in *interp) evalCall(call *CallExpr, frame *luaFrame, scope *env) (any, error) {
	callee, err := in.evalExpr(call.Fn, frame, scope)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(call.Args))
	for i, arg := range call.Args {
		v, err := in.evalExpr(arg, frame, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch fn := callee.(type) {
	case *GoFunc:
		result, err := fn.Fn(args)
		if err != nil {
			if _, isRuntime := err.(*RuntimeError); isRuntime || script.IsInterrupt(err) {
				return nil, err
			}
			return nil, in.runtimeErr(frame, call.Line, err.Error())
		}
		return result, nil

	case *Function:
		if in.depth() >= maxCallDepth {
			return nil, in.runtimeErr(frame, call.Line, "stack overflow")
		}
		callFrame := in.pushClosureFrame(fn)
		defer in.popFrame()
		for i, param := range fn.proto.Params {
			if i < len(args) {
				callFrame.env.declare(param, args[i])
			} else {
				callFrame.env.declare(param, nil)
			}
		}
		if hs := in.hook.Load(); hs != nil && !in.hooksOff && hs.triggers.OnCalls {
			if err := in.fireHook(hs, script.EventCall, callFrame, fn.proto.Line); err != nil {
				return nil, err
			}
		}
		ctl, val, err := in.evalBlock(fn.proto.Body, callFrame, callFrame.env)
		if err != nil {
			return nil, err
		}
		if hs := in.hook.Load(); hs != nil && !in.hooksOff && hs.triggers.OnReturns {
			if err := in.fireHook(hs, script.EventReturn, callFrame, callFrame.line); err != nil {
				return nil, err
			}
		}
		if ctl == ctlReturn {
			return val, nil
		}
		return nil, nil
	}
	return nil, in.runtimeErr(frame, call.Line, fmt.Sprintf("attempt to call a %s value", typeName(callee)))
}

func (in *interp) evalUnary(e *UnExpr, frame *luaFrame, scope *env) (any, error) {
	v, err := in.evalExpr(e.E, frame, scope)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case TokMinus:
		n, ok := toNumber(v)
		if !ok {
			return nil, in.runtimeErr(frame, e.Line, fmt.Sprintf("attempt to perform arithmetic on a %s value", typeName(v)))
		}
		return -n, nil
	case TokNot:
		return !truthy(v), nil
	case TokHash:
		switch val := v.(type) {
		case string:
			return float64(len(val)), nil
		case *Table:
			return float64(val.Len()), nil
		}
		return nil, in.runtimeErr(frame, e.Line, fmt.Sprintf("attempt to get length of a %s value", typeName(v)))
	}
	return nil, in.runtimeErr(frame, e.Line, "unsupported unary operator")
}

func (in *interp) evalBinary(e *BinExpr, frame *luaFrame, scope *env) (any, error) {
	// and/or short-circuit
	if e.Op == TokAnd || e.Op == TokOr {
		left, err := in.evalExpr(e.L, frame, scope)
		if err != nil {
			return nil, err
		}
		if e.Op == TokAnd && !truthy(left) {
			return left, nil
		}
		if e.Op == TokOr && truthy(left) {
			return left, nil
		}
		return in.evalExpr(e.R, frame, scope)
	}

	left, err := in.evalExpr(e.L, frame, scope)
	if err != nil {
		return nil, err
	}
	right, err := in.evalExpr(e.R, frame, scope)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case TokEq:
		return valuesEqual(left, right), nil
	case TokNe:
		return !valuesEqual(left, right), nil
	case TokConcat:
		ls, lok := concatString(left)
		rs, rok := concatString(right)
		if !lok || !rok {
			bad := left
			if lok {
				bad = right
			}
			return nil, in.runtimeErr(frame, e.Line, fmt.Sprintf("attempt to concatenate a %s value", typeName(bad)))
		}
		return ls + rs, nil
	}

	// comparison on strings
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch e.Op {
			case TokLt:
				return ls < rs, nil
			case TokLe:
				return ls <= rs, nil
			case TokGt:
				return ls > rs, nil
			case TokGe:
				return ls >= rs, nil
			}
		}
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if !lok || !rok {
		bad := left
		verb := "perform arithmetic on"
		if lok {
			bad = right
		}
		switch e.Op {
		case TokLt, TokLe, TokGt, TokGe:
			verb = "compare"
		}
		return nil, in.runtimeErr(frame, e.Line, fmt.Sprintf("attempt to %s a %s value", verb, typeName(bad)))
	}

	switch e.Op {
	case TokPlus:
		return ln + rn, nil
	case TokMinus:
		return ln - rn, nil
	case TokStar:
		return ln * rn, nil
	case TokSlash:
		return ln / rn, nil
	case TokPercent:
		return math.Mod(ln, rn), nil
	case TokCaret:
		return math.Pow(ln, rn), nil
	case TokLt:
		return ln < rn, nil
	case TokLe:
		return ln <= rn, nil
	case TokGt:
		return ln > rn, nil
	case TokGe:
		return ln >= rn, nil
	}
	return nil, in.runtimeErr(frame, e.Line, "unsupported operator")
}

func (in *interp) evalNumber(expr Expr, frame *luaFrame, scope *env, what string) (float64, error) {
	v, err := in.evalExpr(expr, frame, scope)
	if err != nil {
		return 0, err
	}
	n, ok := toNumber(v)
	if !ok {
		return 0, in.runtimeErr(frame, expr.exprLine(), fmt.Sprintf("%s must be a number", what))
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := parseNumber(strings.TrimSpace(n))
		return parsed, err == nil
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch av := a.(type) {
	case float64, bool, string:
		return a == b
	case *Table:
		bv, ok := b.(*Table)
		return ok && av == bv
	case *Function:
		bv, ok := b.(*Function)
		return ok && av == bv
	case *GoFunc:
		bv, ok := b.(*GoFunc)
		return ok && av == bv
	}
	return false
}

func concatString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return formatNumber(val), true
	}
	return "", false
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatFloat(n, 'f', 0, 64)
	}
	return strconv.FormatFloat(n, 'g', 14, 64)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case *Table:
		return "table"
	case *Function, *GoFunc:
		return "function"
	}
	return "userdata"
}

// ToString renders a value the way print does.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprintf("%v", v)
}

func (in *interp) runtimeErr(frame *luaFrame, line int, msg string) *RuntimeError {
	return &RuntimeError{
		Source:    frame.source,
		Line:      line,
		Msg:       msg,
		Traceback: in.traceback(),
	}
}

func (in *interp) traceback() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	lines := make([]string, 0, len(in.frames))
	for i := len(in.frames) - 1; i >= 0; i-- {
		f := in.frames[i]
		lines = append(lines, fmt.Sprintf("\t%s:%d: in %s", f.source, f.line, f.name))
	}
	return lines
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

func (in *interp) installBuiltins() {
	register := func(name string, fn func(args []any) (any, error)) {
		in.globals.declare(name, &GoFunc{Name: name, Fn: fn})
	}

	register("print", func(args []any) (any, error) {
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = ToString(arg)
		}
		_, err := fmt.Fprintln(in.stdout, strings.Join(parts, "\t"))
		return nil, err
	})

	register("type", func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("bad argument #1 to 'type' (value expected)")
		}
		return typeName(args[0]), nil
	})

	register("tostring", func(args []any) (any, error) {
		if len(args) == 0 {
			return "nil", nil
		}
		return ToString(args[0]), nil
	})

	register("tonumber", func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		if n, ok := toNumber(args[0]); ok {
			return n, nil
		}
		return nil, nil
	})

	register("error", func(args []any) (any, error) {
		msg := "nil"
		if len(args) > 0 {
			msg = ToString(args[0])
		}
		frame := in.topFrame()
		line := 0
		source := "?"
		if frame != nil {
			in.mu.Lock()
			line = frame.line
			source = frame.source
			in.mu.Unlock()
		}
		return nil, &RuntimeError{Source: source, Line: line, Msg: msg, Traceback: in.traceback()}
	})

	register("assert", func(args []any) (any, error) {
		if len(args) == 0 || !truthy(args[0]) {
			msg := "assertion failed!"
			if len(args) > 1 {
				msg = ToString(args[1])
			}
			return nil, fmt.Errorf("%s", msg)
		}
		return args[0], nil
	})
}

// globalNames lists the globals, sorted, builtins included.
func (in *interp) globalNames() []string {
	in.globals.mu.RLock()
	names := make([]string, 0, len(in.globals.vars))
	for name := range in.globals.vars {
		names = append(names, name)
	}
	in.globals.mu.RUnlock()
	sort.Strings(names)
	return names
}
