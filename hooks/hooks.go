// Package hooks provides the kernel's language-neutral extension
// points: named lifecycle points, priority-ordered handlers with
// short-circuiting results, and a circuit breaker around misbehaving
// handlers.
package hooks

import (
	"time"

	"github.com/google/uuid"

	"github.com/incantor/incant/events"
)

// Point names a lifecycle moment handlers can attach to.
type Point string

const (
	PreCodeExecution  Point = "pre_code_execution"
	PostCodeExecution Point = "post_code_execution"
	PreDebugSession   Point = "pre_debug_session"
	PostDebugSession  Point = "post_debug_session"
	PreBreakpoint     Point = "pre_breakpoint"
	PostBreakpoint    Point = "post_breakpoint"
	PreStepExecution  Point = "pre_step_execution"
	PostStepExecution Point = "post_step_execution"
	PreStateChange    Point = "pre_state_change"
	PostStateChange   Point = "post_state_change"
	ExecutionError    Point = "execution_error"
	DebugError        Point = "debug_error"
	SystemError       Point = "system_error"
)

// ComponentKind classifies the component raising a hook.
type ComponentKind string

const (
	ComponentKernel   ComponentKind = "kernel"
	ComponentEngine   ComponentKind = "engine"
	ComponentDebugger ComponentKind = "debugger"
	ComponentSession  ComponentKind = "session"
)

// ComponentID identifies a component instance.
type ComponentID struct {
	Kind ComponentKind `json:"kind"`
	Name string        `json:"name"`
}

// Operation describes the in-flight operation a context refers to.
type Operation struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Context carries the data handlers see at a hook point. Child
// contexts inherit correlation and language from their parent; the
// parent link forms a tree, acyclic because children are only created
// inside a parent's callback frame.
type Context struct {
	Point         Point
	Component     ComponentID
	Data          map[string]any
	Metadata      map[string]string
	Language      events.Language
	CorrelationID string
	Timestamp     time.Time
	Operation     *Operation
	Parent        *Context
}

// NewContext creates a root context with a fresh correlation id.
func NewContext(point Point, component ComponentID, lang events.Language) *Context {
	return &Context{
		Point:         point,
		Component:     component,
		Data:          map[string]any{},
		Metadata:      map[string]string{},
		Language:      lang,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now(),
	}
}

// Child creates a context for a nested hook point, inheriting
// correlation id and language.
func (c *Context) Child(point Point, component ComponentID) *Context {
	return &Context{
		Point:         point,
		Component:     component,
		Data:          map[string]any{},
		Metadata:      map[string]string{},
		Language:      c.Language,
		CorrelationID: c.CorrelationID,
		Timestamp:     time.Now(),
		Parent:        c,
	}
}

// ResultKind classifies a handler verdict.
type ResultKind int

const (
	// KindContinue lets dispatch proceed to the next handler.
	KindContinue ResultKind = iota
	// KindReplace substitutes the operation's value and stops.
	KindReplace
	// KindSkip asks the caller to skip the guarded operation.
	KindSkip
	// KindFail aborts the guarded operation with an error.
	KindFail
)

// Result is a handler verdict. Dispatch short-circuits on the first
// non-Continue result.
type Result struct {
	Kind  ResultKind
	Value any
	Err   error
}

func Continue() Result         { return Result{Kind: KindContinue} }
func Replace(value any) Result { return Result{Kind: KindReplace, Value: value} }
func Skip() Result             { return Result{Kind: KindSkip} }
func Fail(err error) Result    { return Result{Kind: KindFail, Err: err} }

// Handler is one registered extension.
type Handler func(ctx *Context) Result
