// Package script defines the interpreter capability surface the kernel
// requires from any embedded engine: evaluation, a single installable
// debug callback, per-frame introspection, and a cooperative abort
// mechanism. Concrete engines register themselves by name.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Value is the JSON-shaped bridged value model. Bridging is total for
// JSON-compatible shapes; richer interpreter types cross the boundary
// as tagged strings (see Bridge).
type Value = any

// ErrInterrupt is the sentinel for a cooperative abort raised from
// within the debug callback. Engines unwind and surface it unchanged.
var ErrInterrupt = errors.New("script: execution interrupted")

// IsInterrupt reports whether err is (or wraps) a cooperative abort.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrInterrupt)
}

// DebugEvent classifies a debug callback invocation.
type DebugEvent int

const (
	EventLine DebugEvent = iota
	EventCall
	EventTailCall
	EventReturn
	EventCount
)

func (e DebugEvent) String() string {
	switch e {
	case EventLine:
		return "line"
	case EventCall:
		return "call"
	case EventTailCall:
		return "tail_call"
	case EventReturn:
		return "return"
	case EventCount:
		return "count"
	default:
		return "unknown"
	}
}

// HookTriggers selects which event classes the installed callback
// receives. EveryNthInstruction of zero disables count events.
type HookTriggers struct {
	OnCalls             bool
	OnReturns           bool
	EveryLine           bool
	EveryNthInstruction uint32
}

// Empty reports whether no event class is selected.
func (t HookTriggers) Empty() bool {
	return !t.OnCalls && !t.OnReturns && !t.EveryLine && t.EveryNthInstruction == 0
}

// Union merges two trigger sets: event classes OR together and the
// instruction interval takes the minimum of the non-zero values.
func (t HookTriggers) Union(o HookTriggers) HookTriggers {
	merged := HookTriggers{
		OnCalls:             t.OnCalls || o.OnCalls,
		OnReturns:           t.OnReturns || o.OnReturns,
		EveryLine:           t.EveryLine || o.EveryLine,
		EveryNthInstruction: t.EveryNthInstruction,
	}
	if o.EveryNthInstruction != 0 &&
		(merged.EveryNthInstruction == 0 || o.EveryNthInstruction < merged.EveryNthInstruction) {
		merged.EveryNthInstruction = o.EveryNthInstruction
	}
	return merged
}

// DebugInfo describes the interpreter state at a callback invocation.
type DebugInfo struct {
	Event    DebugEvent
	Source   string
	Line     int
	FuncName string
	Depth    int
}

// Hook is the single installable debug callback. Returning an error
// aborts the running script; the engine surfaces the error to the
// caller of Eval.
type Hook func(info *DebugInfo) error

// Frame is one entry of the live call stack, innermost first.
type Frame struct {
	ID       int
	Name     string
	Source   string
	Line     int
	UserCode bool
}

// Variable is one binding visible in a frame.
type Variable struct {
	Name  string
	Value Value
	Type  string
}

// CompleteStatus classifies a source fragment for REPL continuation.
type CompleteStatus string

const (
	CompleteYes     CompleteStatus = "complete"
	CompleteNo      CompleteStatus = "incomplete"
	CompleteInvalid CompleteStatus = "invalid"
)

// Engine is the embedded script interpreter. Implementations are not
// safe for concurrent use; the kernel serializes all access through its
// worker. Stack and FrameVariables are only meaningful while the
// engine is stopped inside its debug callback.
type Engine interface {
	// Name returns the engine identifier ("lua").
	Name() string

	// Eval runs code attributed to source (a chunk name such as
	// "s.lua"). It honors ctx cancellation at hook safe points.
	Eval(ctx context.Context, code, source string) (Value, error)

	// CheckSyntax parses without executing.
	CheckSyntax(code string) error

	// IsComplete classifies a partial input for the REPL.
	IsComplete(code string) CompleteStatus

	// Complete returns completion candidates for the identifier
	// ending at cursor, with the start offset of the replaced span.
	Complete(code string, cursor int) (matches []string, start int)

	// SetHook installs the single debug callback; it replaces any
	// previous hook. RemoveHook uninstalls it.
	SetHook(h Hook, t HookTriggers)
	RemoveHook()

	// Stack returns the live call stack, innermost frame first.
	Stack() []Frame

	// FrameVariables returns the bindings of the given stack frame.
	FrameVariables(frameID int) []Variable

	// EvaluateInFrame evaluates an expression against a paused
	// frame's scope.
	EvaluateInFrame(frameID int, expr string) (Value, error)

	// SetStreams redirects script stdout/stderr.
	SetStreams(stdout, stderr io.Writer)

	// GlobalNames lists defined globals (for completion/inspection).
	GlobalNames() []string
}

// Bridge converts an engine value to its JSON-compatible form. Values
// with no JSON shape become "<type>" or "<type: detail>" strings.
func Bridge(v Value) Value {
	switch val := v.(type) {
	case nil, bool, float64, int, int64, string:
		return val
	case []Value:
		out := make([]Value, len(val))
		for i, item := range val {
			out[i] = Bridge(item)
		}
		return out
	case map[string]Value:
		out := make(map[string]Value, len(val))
		for k, item := range val {
			out[k] = Bridge(item)
		}
		return out
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("<%T>", v)
	}
}

// ---------------------------------------------------------------------------
// Engine registry
// ---------------------------------------------------------------------------

// Factory constructs a fresh engine instance.
type Factory func() (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an engine available under name. Later registrations
// replace earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the engine registered under name.
func New(name string) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script: no engine registered as %q (have %v)", name, Names())
	}
	return f()
}

// Names lists registered engine names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
