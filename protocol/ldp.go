package protocol

import (
	"encoding/json"
	"fmt"
)

// LDP is the debug protocol: initialize, breakpoints, stepping,
// variables, stack traces, evaluate. Same tagged-union encoding as LRP.

// LDPRequest is implemented by every LDP request payload.
type LDPRequest interface {
	RequestOp() string
}

// LDP request op tags.
const (
	OpDebugInitialize       = "debug_initialize"
	OpDebugSetBreakpoint    = "debug_set_breakpoint"
	OpDebugRemoveBreakpoint = "debug_remove_breakpoint"
	OpDebugStep             = "debug_step"
	OpDebugNext             = "debug_next"
	OpDebugContinue         = "debug_continue"
	OpDebugPause            = "debug_pause"
	OpDebugVariables        = "debug_variables"
	OpDebugStackTrace       = "debug_stack_trace"
	OpDebugEvaluate         = "debug_evaluate"
)

// InitializeRequest attaches a debug client to the kernel.
type InitializeRequest struct {
	Op       string `json:"op"`
	ClientID string `json:"client_id,omitempty"`
}

func (r *InitializeRequest) RequestOp() string { return OpDebugInitialize }

// SetBreakpointRequest installs a source breakpoint.
type SetBreakpointRequest struct {
	Op          string `json:"op"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Condition   string `json:"condition,omitempty"`
	HitCount    int    `json:"hit_count,omitempty"`
	IgnoreCount int    `json:"ignore_count,omitempty"`
}

func (r *SetBreakpointRequest) RequestOp() string { return OpDebugSetBreakpoint }

// RemoveBreakpointRequest removes a breakpoint by id or location.
type RemoveBreakpointRequest struct {
	Op   string `json:"op"`
	ID   string `json:"id,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

func (r *RemoveBreakpointRequest) RequestOp() string { return OpDebugRemoveBreakpoint }

// StepRequest steps into the next statement.
type StepRequest struct {
	Op       string `json:"op"`
	ThreadID int    `json:"thread_id,omitempty"`
}

func (r *StepRequest) RequestOp() string { return OpDebugStep }

// NextRequest steps over the next statement.
type NextRequest struct {
	Op       string `json:"op"`
	ThreadID int    `json:"thread_id,omitempty"`
}

func (r *NextRequest) RequestOp() string { return OpDebugNext }

// ContinueRequest resumes a paused execution.
type ContinueRequest struct {
	Op       string `json:"op"`
	ThreadID int    `json:"thread_id,omitempty"`
}

func (r *ContinueRequest) RequestOp() string { return OpDebugContinue }

// PauseRequest asks the interpreter to pause at the next safe point.
type PauseRequest struct {
	Op       string `json:"op"`
	ThreadID int    `json:"thread_id,omitempty"`
}

func (r *PauseRequest) RequestOp() string { return OpDebugPause }

// VariablesRequest fetches the variables of a paused frame.
type VariablesRequest struct {
	Op      string `json:"op"`
	FrameID int    `json:"frame_id"`
	Filter  string `json:"filter,omitempty"` // "locals", "globals" or empty
	Start   int    `json:"start,omitempty"`
	Count   int    `json:"count,omitempty"`
}

func (r *VariablesRequest) RequestOp() string { return OpDebugVariables }

// StackTraceRequest fetches the paused call stack.
type StackTraceRequest struct {
	Op         string `json:"op"`
	ThreadID   int    `json:"thread_id,omitempty"`
	StartFrame int    `json:"start_frame,omitempty"`
	Levels     int    `json:"levels,omitempty"`
}

func (r *StackTraceRequest) RequestOp() string { return OpDebugStackTrace }

// EvaluateRequest evaluates an expression in a paused frame.
type EvaluateRequest struct {
	Op         string `json:"op"`
	Expression string `json:"expression"`
	FrameID    int    `json:"frame_id,omitempty"`
	Context    string `json:"context,omitempty"` // "watch", "repl", "hover"
}

func (r *EvaluateRequest) RequestOp() string { return OpDebugEvaluate }

var ldpRequestFactories = map[string]func() LDPRequest{
	OpDebugInitialize:       func() LDPRequest { return &InitializeRequest{} },
	OpDebugSetBreakpoint:    func() LDPRequest { return &SetBreakpointRequest{} },
	OpDebugRemoveBreakpoint: func() LDPRequest { return &RemoveBreakpointRequest{} },
	OpDebugStep:             func() LDPRequest { return &StepRequest{} },
	OpDebugNext:             func() LDPRequest { return &NextRequest{} },
	OpDebugContinue:         func() LDPRequest { return &ContinueRequest{} },
	OpDebugPause:            func() LDPRequest { return &PauseRequest{} },
	OpDebugVariables:        func() LDPRequest { return &VariablesRequest{} },
	OpDebugStackTrace:       func() LDPRequest { return &StackTraceRequest{} },
	OpDebugEvaluate:         func() LDPRequest { return &EvaluateRequest{} },
}

// DecodeLDPRequest decodes content into the concrete LDP request for
// its op tag. Returns false when the op is not an LDP request.
func DecodeLDPRequest(content json.RawMessage) (LDPRequest, bool, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, false, fmt.Errorf("protocol: decode request: %w", err)
	}
	factory, ok := ldpRequestFactories[probe.Op]
	if !ok {
		return nil, false, nil
	}
	req := factory()
	if err := json.Unmarshal(content, req); err != nil {
		return nil, true, fmt.Errorf("protocol: decode %s: %w", probe.Op, err)
	}
	return req, true, nil
}

// EncodeLDPRequest stamps the op tag and marshals the request.
func EncodeLDPRequest(req LDPRequest) (json.RawMessage, error) {
	stampOp(req)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", req.RequestOp(), err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// LDP replies and shared shapes
// ---------------------------------------------------------------------------

// Location is a position in script source.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// Variable is one inspectable binding in a frame.
type Variable struct {
	Name         string `json:"name"`
	Value        string `json:"value"`
	Type         string `json:"type,omitempty"`
	Reference    int    `json:"reference,omitempty"`
	NamedCount   int    `json:"named_count,omitempty"`
	IndexedCount int    `json:"indexed_count,omitempty"`
}

// StackFrame is one frame of a paused call stack.
type StackFrame struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	Location   Location `json:"location"`
	IsUserCode bool     `json:"is_user_code"`
}

// InitializeReply answers an InitializeRequest.
type InitializeReply struct {
	Op                  string `json:"op"`
	Status              string `json:"status"`
	SupportsConditional bool   `json:"supports_conditional_breakpoints"`
	SupportsHitCount    bool   `json:"supports_hit_count_breakpoints"`
}

// SetBreakpointReply answers a SetBreakpointRequest.
type SetBreakpointReply struct {
	Op       string `json:"op"`
	Status   string `json:"status"`
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
	Line     int    `json:"line"`
}

// RemoveBreakpointReply answers a RemoveBreakpointRequest.
type RemoveBreakpointReply struct {
	Op     string `json:"op"`
	Status string `json:"status"`
}

// ControlReply answers step/next/continue/pause requests.
type ControlReply struct {
	Op     string `json:"op"`
	Status string `json:"status"`
}

// VariablesReply answers a VariablesRequest. Zero matching variables is
// an empty list, not an error.
type VariablesReply struct {
	Op        string     `json:"op"`
	Status    string     `json:"status"`
	Variables []Variable `json:"variables"`
}

// StackTraceReply answers a StackTraceRequest.
type StackTraceReply struct {
	Op          string       `json:"op"`
	Status      string       `json:"status"`
	Frames      []StackFrame `json:"frames"`
	TotalFrames int          `json:"total_frames"`
}

// EvaluateReply answers an EvaluateRequest.
type EvaluateReply struct {
	Op     string `json:"op"`
	Status string `json:"status"`
	Result string `json:"result"`
	Type   string `json:"type,omitempty"`
}

// DebugEventNotification announces debugger state changes on iopub:
// "paused", "continued", "breakpoint_hit", "exception".
type DebugEventNotification struct {
	Op       string    `json:"op"`
	Event    string    `json:"event"`
	Reason   string    `json:"reason,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// LDP reply op tags.
const (
	OpDebugInitializeReply       = "debug_initialize_reply"
	OpDebugSetBreakpointReply    = "debug_set_breakpoint_reply"
	OpDebugRemoveBreakpointReply = "debug_remove_breakpoint_reply"
	OpDebugControlReply          = "debug_control_reply"
	OpDebugVariablesReply        = "debug_variables_reply"
	OpDebugStackTraceReply       = "debug_stack_trace_reply"
	OpDebugEvaluateReply         = "debug_evaluate_reply"
)
