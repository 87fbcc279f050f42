package kernel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/incantor/incant/events"
	"github.com/incantor/incant/hooks"
	"github.com/incantor/incant/protocol"
	"github.com/incantor/incant/script"
	statepkg "github.com/incantor/incant/state"
)

// notifyRecorder captures iopub payloads published during executes.
type notifyRecorder struct {
	mu       sync.Mutex
	payloads []any
}

func (r *notifyRecorder) record(parent *protocol.Message, payload any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func (r *notifyRecorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads...)
}

func (r *notifyRecorder) streams() []*protocol.StreamNotification {
	var out []*protocol.StreamNotification
	for _, p := range r.all() {
		if s, ok := p.(*protocol.StreamNotification); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *notifyRecorder) statuses() []string {
	var out []string
	for _, p := range r.all() {
		if s, ok := p.(*protocol.StatusNotification); ok {
			out = append(out, s.ExecutionState)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *notifyRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	eng, err := script.New(cfg.DefaultEngine)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e := NewEngine("test-kernel", &cfg, eng, events.NewBus(), hooks.NewRegistry())
	if err := e.MarkReady(); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	rec := &notifyRecorder{}
	e.SetNotifier(rec.record)
	t.Cleanup(func() {
		e.BeginShutdown()
		e.Stop()
	})
	return e, rec
}

func execute(e *Engine, code string) *protocol.ExecuteReply {
	return e.Execute(context.Background(), &protocol.ExecuteRequest{
		Op:           protocol.OpExecuteRequest,
		Code:         code,
		StoreHistory: true,
	}, nil)
}

func TestExecuteCountsMonotonically(t *testing.T) {
	e, _ := newTestEngine(t)
	first := execute(e, "x = 1")
	if first.Status != protocol.StatusOK {
		t.Fatalf("status = %q (%s: %s)", first.Status, first.EName, first.EValue)
	}
	if first.ExecutionCount != 1 {
		t.Errorf("first count = %d", first.ExecutionCount)
	}
	second := execute(e, "x = x + 1")
	if second.ExecutionCount != 2 {
		t.Errorf("second count = %d", second.ExecutionCount)
	}
}

func TestExecuteReturnsResultPayload(t *testing.T) {
	e, _ := newTestEngine(t)
	reply := execute(e, "return 1 + 1")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("status = %q", reply.Status)
	}
	if len(reply.Payload) != 1 {
		t.Fatalf("payload = %v", reply.Payload)
	}
	entry := reply.Payload[0].(map[string]any)
	if entry["data"] != float64(2) {
		t.Errorf("result = %v", entry["data"])
	}
}

func TestExecuteEmptyCode(t *testing.T) {
	e, _ := newTestEngine(t)
	reply := execute(e, "   ")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("status = %q", reply.Status)
	}
	if len(reply.Payload) != 0 {
		t.Errorf("payload = %v", reply.Payload)
	}
}

func TestExecuteStatusNotifications(t *testing.T) {
	e, rec := newTestEngine(t)
	execute(e, "print('hi')")

	statuses := rec.statuses()
	if len(statuses) != 2 || statuses[0] != "busy" || statuses[1] != "idle" {
		t.Errorf("statuses = %v", statuses)
	}
	streams := rec.streams()
	if len(streams) == 0 {
		t.Fatal("no stream output")
	}
	if streams[0].Name != "stdout" || streams[0].Text != "hi\n" {
		t.Errorf("stream = %+v", streams[0])
	}
}

func TestExecuteSilentSuppressesStreams(t *testing.T) {
	e, rec := newTestEngine(t)
	reply := e.Execute(context.Background(), &protocol.ExecuteRequest{
		Op:     protocol.OpExecuteRequest,
		Code:   "print('quiet')",
		Silent: true,
	}, nil)
	if reply.Status != protocol.StatusOK {
		t.Fatalf("status = %q", reply.Status)
	}
	if len(rec.streams()) != 0 {
		t.Errorf("silent execute produced streams: %v", rec.streams())
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	e, rec := newTestEngine(t)
	reply := execute(e, "while true")
	if reply.Status != protocol.StatusError {
		t.Fatalf("status = %q", reply.Status)
	}
	if reply.EName != "SyntaxError" {
		t.Errorf("ename = %q", reply.EName)
	}
	if reply.ExecutionCount != 1 {
		t.Errorf("count = %d; errors still consume a counter slot", reply.ExecutionCount)
	}
	var found bool
	for _, p := range rec.all() {
		if n, ok := p.(*protocol.ErrorNotification); ok {
			found = true
			if n.EName != "SyntaxError" {
				t.Errorf("notification ename = %q", n.EName)
			}
		}
	}
	if !found {
		t.Error("no error notification published")
	}
}

func TestExecuteRuntimeErrorTraceback(t *testing.T) {
	e, _ := newTestEngine(t)
	reply := execute(e, "local function f() return nil + 1 end\nf()")
	if reply.Status != protocol.StatusError {
		t.Fatalf("status = %q", reply.Status)
	}
	if reply.EName != "RuntimeError" {
		t.Errorf("ename = %q", reply.EName)
	}
	if !strings.Contains(reply.EValue, "input:1") {
		t.Errorf("evalue = %q", reply.EValue)
	}
	if len(reply.Traceback) == 0 {
		t.Error("missing traceback")
	}
}

func TestInterruptAbortsExecution(t *testing.T) {
	e, _ := newTestEngine(t)
	done := make(chan *protocol.ExecuteReply, 1)
	go func() { done <- execute(e, "while true do end") }()

	time.Sleep(50 * time.Millisecond)
	e.Interrupt()

	select {
	case reply := <-done:
		if reply.Status != protocol.StatusAbort {
			t.Fatalf("status = %q", reply.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not abort the loop")
	}

	// The engine recovers for the next cell.
	reply := execute(e, "return 7")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("post-interrupt status = %q", reply.Status)
	}
	if reply.ExecutionCount != 2 {
		t.Errorf("post-interrupt count = %d", reply.ExecutionCount)
	}
}

func TestStopOnErrorAbortsQueued(t *testing.T) {
	e, _ := newTestEngine(t)

	running := make(chan *protocol.ExecuteReply, 1)
	go func() { running <- execute(e, "while true do end") }()
	time.Sleep(50 * time.Millisecond)

	failing := make(chan *protocol.ExecuteReply, 1)
	go func() {
		failing <- e.Execute(context.Background(), &protocol.ExecuteRequest{
			Op:          protocol.OpExecuteRequest,
			Code:        "error('boom')",
			StopOnError: true,
		}, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	queued := make(chan *protocol.ExecuteReply, 1)
	go func() { queued <- execute(e, "return 1") }()
	time.Sleep(50 * time.Millisecond)

	e.Interrupt()

	await := func(ch chan *protocol.ExecuteReply, label string) *protocol.ExecuteReply {
		t.Helper()
		select {
		case r := <-ch:
			return r
		case <-time.After(5 * time.Second):
			t.Fatalf("%s execute never replied", label)
			return nil
		}
	}
	if r := await(running, "runaway"); r.Status != protocol.StatusAbort {
		t.Fatalf("runaway status = %q", r.Status)
	}
	if r := await(failing, "failing"); r.Status != protocol.StatusError {
		t.Fatalf("failing status = %q (%s: %s)", r.Status, r.EName, r.EValue)
	}
	if r := await(queued, "queued"); r.Status != protocol.StatusAbort || r.EName != "Aborted" {
		t.Fatalf("queued status = %q ename = %q, want abort/Aborted", r.Status, r.EName)
	}

	// submissions after the flush run normally
	reply := execute(e, "return 2")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("post-flush status = %q (%s: %s)", reply.Status, reply.EName, reply.EValue)
	}
	if reply.ExecutionCount != 3 {
		t.Errorf("post-flush count = %d, want 3 (queue-aborted execute takes no count)", reply.ExecutionCount)
	}
}

func TestExecuteAfterShutdownFails(t *testing.T) {
	e, _ := newTestEngine(t)
	e.BeginShutdown()
	reply := execute(e, "x = 1")
	if reply.Status != protocol.StatusError {
		t.Fatalf("status = %q", reply.Status)
	}
}

func TestHookReplaceRewritesCode(t *testing.T) {
	cfg := DefaultConfig()
	eng, err := script.New(cfg.DefaultEngine)
	if err != nil {
		t.Fatal(err)
	}
	reg := hooks.NewRegistry()
	reg.Register(hooks.PreCodeExecution, "rewrite", 0, func(ctx *hooks.Context) hooks.Result {
		return hooks.Replace("return 42")
	})
	e := NewEngine("test-kernel", &cfg, eng, events.NewBus(), reg)
	if err := e.MarkReady(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		e.BeginShutdown()
		e.Stop()
	}()
	e.SetNotifier(func(*protocol.Message, any) {})

	reply := execute(e, "return 1")
	if reply.Status != protocol.StatusOK {
		t.Fatalf("status = %q", reply.Status)
	}
	entry := reply.Payload[0].(map[string]any)
	if entry["data"] != float64(42) {
		t.Errorf("result = %v", entry["data"])
	}
}

func TestHistoryRecorded(t *testing.T) {
	e, _ := newTestEngine(t)
	execute(e, "print('one')")
	execute(e, "print('two')")
	execute(e, "print('three')")

	reply := e.HistoryReply(&protocol.HistoryRequest{Output: true, Tail: 2})
	if len(reply.History) != 2 {
		t.Fatalf("history = %v", reply.History)
	}
	if reply.History[0].Input != "print('two')" {
		t.Errorf("entry 0 = %+v", reply.History[0])
	}
	if reply.History[1].Line != 3 {
		t.Errorf("entry 1 line = %d", reply.History[1].Line)
	}
	if !strings.Contains(reply.History[1].Output, "three") {
		t.Errorf("entry 1 output = %q", reply.History[1].Output)
	}

	plain := e.HistoryReply(&protocol.HistoryRequest{Tail: 1})
	if plain.History[0].Output != "" {
		t.Error("output should be stripped when not requested")
	}
}

func TestCompleteClampsCursor(t *testing.T) {
	e, _ := newTestEngine(t)
	reply := e.Complete(&protocol.CompleteRequest{Code: "pri", CursorPos: 999})
	if reply.Status != protocol.StatusOK {
		t.Fatalf("status = %q", reply.Status)
	}
	if reply.CursorEnd != 3 {
		t.Errorf("cursor_end = %d", reply.CursorEnd)
	}
	var hasPrint bool
	for _, m := range reply.Matches {
		if m == "print" {
			hasPrint = true
		}
	}
	if !hasPrint {
		t.Errorf("matches = %v", reply.Matches)
	}
}

func TestIsCompleteClassification(t *testing.T) {
	e, _ := newTestEngine(t)
	cases := []struct {
		code string
		want string
	}{
		{"return 1", "complete"},
		{"while true do", "incomplete"},
		{"return )", "invalid"},
	}
	for _, tc := range cases {
		reply := e.IsComplete(&protocol.IsCompleteRequest{Code: tc.code})
		if reply.Status != tc.want {
			t.Errorf("IsComplete(%q) = %q, want %q", tc.code, reply.Status, tc.want)
		}
	}
}

func TestKernelInfo(t *testing.T) {
	e, _ := newTestEngine(t)
	info := e.KernelInfo()
	if info.KernelID != "test-kernel" {
		t.Errorf("kernel_id = %q", info.KernelID)
	}
	if info.LanguageName != "lua" {
		t.Errorf("language = %q", info.LanguageName)
	}
	if info.ProtocolVersion == "" || info.ImplementationVersion == "" {
		t.Error("missing version fields")
	}
}

func TestInspectGlobal(t *testing.T) {
	e, _ := newTestEngine(t)
	execute(e, "answer = 42")
	reply := e.Inspect(&protocol.InspectRequest{Code: "answer", CursorPos: 3})
	if !reply.Found {
		t.Error("expected answer to be found")
	}
	if reply := e.Inspect(&protocol.InspectRequest{Code: "nosuch", CursorPos: 2}); reply.Found {
		t.Error("nosuch should not be found")
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	execute(e, "x = 1")
	execute(e, "y = 2")
	if _, err := e.Debugger().SetBreakpoint("input", 5, "x > 1", 0, 2); err != nil {
		t.Fatal(err)
	}

	snap := e.StateSnapshot(statepkg.SessionState{KernelID: "test-kernel"})
	if snap.Execution.ExecutionCount != 2 {
		t.Errorf("count = %d", snap.Execution.ExecutionCount)
	}
	if len(snap.Debug.Breakpoints) != 1 {
		t.Fatalf("breakpoints = %v", snap.Debug.Breakpoints)
	}
	bp := snap.Debug.Breakpoints[0]
	if bp.File != "input" || bp.Line != 5 || bp.Condition != "x > 1" || bp.IgnoreCount != 2 {
		t.Errorf("breakpoint = %+v", bp)
	}
}
