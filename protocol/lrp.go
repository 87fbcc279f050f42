package protocol

import (
	"encoding/json"
	"fmt"
)

// LRP is the REPL-style request/response protocol: execute, complete,
// inspect, history, kernel-info, shutdown, interrupt, is-complete,
// comm-info, connect. Payloads are tagged unions keyed by the "op"
// field, one concrete struct per member.

// Reply status strings.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "abort"
)

// LRPRequest is implemented by every LRP request payload.
type LRPRequest interface {
	RequestOp() string
}

// LRP request op tags.
const (
	OpExecuteRequest    = "execute_request"
	OpCompleteRequest   = "complete_request"
	OpInspectRequest    = "inspect_request"
	OpHistoryRequest    = "history_request"
	OpKernelInfoRequest = "kernel_info_request"
	OpShutdownRequest   = "shutdown_request"
	OpInterruptRequest  = "interrupt_request"
	OpIsCompleteRequest = "is_complete_request"
	OpCommInfoRequest   = "comm_info_request"
	OpConnectRequest    = "connect_request"
)

// ExecuteRequest asks the kernel to run code. StopOnError aborts
// executes queued behind this one if it fails. AllowStdin is accepted
// for wire compatibility; the kernel never requests client stdin.
type ExecuteRequest struct {
	Op           string `json:"op"`
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
	AllowStdin   bool   `json:"allow_stdin"`
	StopOnError  bool   `json:"stop_on_error"`
}

func (r *ExecuteRequest) RequestOp() string { return OpExecuteRequest }

// CompleteRequest asks for completion candidates at a cursor position.
type CompleteRequest struct {
	Op        string `json:"op"`
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

func (r *CompleteRequest) RequestOp() string { return OpCompleteRequest }

// InspectRequest asks for documentation/introspection of the token at
// the cursor.
type InspectRequest struct {
	Op          string `json:"op"`
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

func (r *InspectRequest) RequestOp() string { return OpInspectRequest }

// HistoryRequest asks for entries from the execution history.
type HistoryRequest struct {
	Op      string `json:"op"`
	Output  bool   `json:"output"`
	Raw     bool   `json:"raw"`
	Tail    int    `json:"tail,omitempty"`
	Session string `json:"session,omitempty"`
}

func (r *HistoryRequest) RequestOp() string { return OpHistoryRequest }

// KernelInfoRequest asks for kernel identity and capabilities.
type KernelInfoRequest struct {
	Op string `json:"op"`
}

func (r *KernelInfoRequest) RequestOp() string { return OpKernelInfoRequest }

// ShutdownRequest asks the kernel to stop (or restart).
type ShutdownRequest struct {
	Op      string `json:"op"`
	Restart bool   `json:"restart"`
}

func (r *ShutdownRequest) RequestOp() string { return OpShutdownRequest }

// InterruptRequest asks the kernel to abort the in-flight execute.
type InterruptRequest struct {
	Op string `json:"op"`
}

func (r *InterruptRequest) RequestOp() string { return OpInterruptRequest }

// IsCompleteRequest asks whether the code forms a complete input.
type IsCompleteRequest struct {
	Op   string `json:"op"`
	Code string `json:"code"`
}

func (r *IsCompleteRequest) RequestOp() string { return OpIsCompleteRequest }

// CommInfoRequest lists open comms (none in this kernel; reply is empty).
type CommInfoRequest struct {
	Op         string `json:"op"`
	TargetName string `json:"target_name,omitempty"`
}

func (r *CommInfoRequest) RequestOp() string { return OpCommInfoRequest }

// ConnectRequest asks for the kernel's connection information.
type ConnectRequest struct {
	Op string `json:"op"`
}

func (r *ConnectRequest) RequestOp() string { return OpConnectRequest }

// lrpRequestFactories maps op tags to zero-value payload constructors.
var lrpRequestFactories = map[string]func() LRPRequest{
	OpExecuteRequest:    func() LRPRequest { return &ExecuteRequest{} },
	OpCompleteRequest:   func() LRPRequest { return &CompleteRequest{} },
	OpInspectRequest:    func() LRPRequest { return &InspectRequest{} },
	OpHistoryRequest:    func() LRPRequest { return &HistoryRequest{} },
	OpKernelInfoRequest: func() LRPRequest { return &KernelInfoRequest{} },
	OpShutdownRequest:   func() LRPRequest { return &ShutdownRequest{} },
	OpInterruptRequest:  func() LRPRequest { return &InterruptRequest{} },
	OpIsCompleteRequest: func() LRPRequest { return &IsCompleteRequest{} },
	OpCommInfoRequest:   func() LRPRequest { return &CommInfoRequest{} },
	OpConnectRequest:    func() LRPRequest { return &ConnectRequest{} },
}

// DecodeLRPRequest decodes content into the concrete LRP request for
// its op tag. Returns false when the op is not an LRP request at all
// (the dispatcher then tries LDP).
func DecodeLRPRequest(content json.RawMessage) (LRPRequest, bool, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, false, fmt.Errorf("protocol: decode request: %w", err)
	}
	factory, ok := lrpRequestFactories[probe.Op]
	if !ok {
		return nil, false, nil
	}
	req := factory()
	if err := json.Unmarshal(content, req); err != nil {
		return nil, true, fmt.Errorf("protocol: decode %s: %w", probe.Op, err)
	}
	return req, true, nil
}

// EncodeLRPRequest stamps the op tag and marshals the request.
func EncodeLRPRequest(req LRPRequest) (json.RawMessage, error) {
	stampOp(req)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", req.RequestOp(), err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// LRP replies
// ---------------------------------------------------------------------------

// ExecuteReply answers an ExecuteRequest. ExecutionCount increases
// strictly across successful executes.
type ExecuteReply struct {
	Op              string         `json:"op"`
	Status          string         `json:"status"`
	ExecutionCount  uint64         `json:"execution_count"`
	UserExpressions map[string]any `json:"user_expressions,omitempty"`
	Payload         []any          `json:"payload,omitempty"`
	EName           string         `json:"ename,omitempty"`
	EValue          string         `json:"evalue,omitempty"`
	Traceback       []string       `json:"traceback,omitempty"`
}

// CompleteReply answers a CompleteRequest.
type CompleteReply struct {
	Op          string   `json:"op"`
	Status      string   `json:"status"`
	Matches     []string `json:"matches"`
	CursorStart int      `json:"cursor_start"`
	CursorEnd   int      `json:"cursor_end"`
}

// InspectReply answers an InspectRequest.
type InspectReply struct {
	Op     string            `json:"op"`
	Status string            `json:"status"`
	Found  bool              `json:"found"`
	Data   map[string]string `json:"data,omitempty"`
}

// HistoryEntry is one line of execution history.
type HistoryEntry struct {
	Session string `json:"session"`
	Line    uint64 `json:"line"`
	Input   string `json:"input"`
	Output  string `json:"output,omitempty"`
}

// HistoryReply answers a HistoryRequest.
type HistoryReply struct {
	Op      string         `json:"op"`
	Status  string         `json:"status"`
	History []HistoryEntry `json:"history"`
}

// KernelInfoReply answers a KernelInfoRequest.
type KernelInfoReply struct {
	Op                    string `json:"op"`
	Status                string `json:"status"`
	KernelID              string `json:"kernel_id"`
	ProtocolVersion       string `json:"protocol_version"`
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	LanguageName          string `json:"language_name"`
	Banner                string `json:"banner,omitempty"`
}

// ShutdownReply answers a ShutdownRequest.
type ShutdownReply struct {
	Op      string `json:"op"`
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// InterruptReply answers an InterruptRequest.
type InterruptReply struct {
	Op     string `json:"op"`
	Status string `json:"status"`
}

// IsCompleteReply answers an IsCompleteRequest. Status here is one of
// "complete", "incomplete", "invalid", "unknown".
type IsCompleteReply struct {
	Op     string `json:"op"`
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

// CommInfoReply answers a CommInfoRequest.
type CommInfoReply struct {
	Op     string         `json:"op"`
	Status string         `json:"status"`
	Comms  map[string]any `json:"comms"`
}

// ConnectReply answers a ConnectRequest with the live ConnectionInfo.
type ConnectReply struct {
	Op     string         `json:"op"`
	Status string         `json:"status"`
	Info   ConnectionInfo `json:"info"`
}

// ---------------------------------------------------------------------------
// Notifications (iopub)
// ---------------------------------------------------------------------------

// Notification op tags.
const (
	OpStatus     = "status"
	OpStream     = "stream"
	OpErrorEvent = "error"
	OpHeartbeat  = "heartbeat"
	OpDebugEvent = "debug_event"
)

// StatusNotification reports a kernel state change.
type StatusNotification struct {
	Op             string `json:"op"`
	ExecutionState string `json:"execution_state"`
}

// StreamNotification carries interpreter stdout/stderr output.
type StreamNotification struct {
	Op   string `json:"op"`
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// ErrorNotification carries a script error with its traceback.
type ErrorNotification struct {
	Op        string   `json:"op"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// HeartbeatNotification is the periodic liveness ping.
type HeartbeatNotification struct {
	Op   string `json:"op"`
	Beat uint64 `json:"beat"`
}

// ---------------------------------------------------------------------------
// Connection information
// ---------------------------------------------------------------------------

// PortMap names the logical channels. This kernel multiplexes all of
// them over one stream, so every entry carries the same port.
type PortMap struct {
	Shell     int `json:"shell"`
	IOPub     int `json:"iopub"`
	Stdin     int `json:"stdin"`
	Control   int `json:"control"`
	Heartbeat int `json:"heartbeat"`
}

// ConnectionInfo is published by the kernel on startup.
type ConnectionInfo struct {
	KernelID         string  `json:"kernel_id"`
	TransportAddress string  `json:"transport_address"`
	Ports            PortMap `json:"ports"`
	AuthEnabled      bool    `json:"auth_enabled"`
	HMACKey          string  `json:"hmac_key,omitempty"`
}
