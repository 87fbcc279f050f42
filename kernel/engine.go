package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/debug"
	"github.com/incantor/incant/events"
	"github.com/incantor/incant/hooks"
	"github.com/incantor/incant/lua"
	"github.com/incantor/incant/protocol"
	"github.com/incantor/incant/script"
	statepkg "github.com/incantor/incant/state"
)

// Version is reported in kernel_info replies.
const Version = "0.1.0"

// ProtocolVersion is the wire protocol revision this kernel speaks.
const ProtocolVersion = "1.0"

// executeSource is the chunk name attributed to client cells. Debugger
// breakpoints target this name.
const executeSource = "input"

// historyOutputCap bounds the stdout tail stored per history entry.
const historyOutputCap = 4096

var engineLog = commonlog.GetLogger("kernel.engine")

// Notifier broadcasts an iopub payload to every connected session,
// correlated to parent when non-nil.
type Notifier func(parent *protocol.Message, payload any)

// interrupter is implemented by engines that support direct abort in
// addition to the cooperative hook check.
type interrupter interface {
	Interrupt()
}

// Engine binds a script engine to the kernel: it serializes executes
// through a single worker, multiplexes debug hooks, tracks execution
// state and history, and publishes iopub notifications.
type Engine struct {
	id     string
	cfg    *Config
	script script.Engine
	worker *Worker

	mux      *debug.Multiplexer
	debugger *debug.Debugger
	profiler *debug.Profiler
	monitor  *debug.Monitor

	bus     *events.Bus
	hooks   *hooks.Registry
	machine *StateMachine
	history *History

	mu        sync.Mutex
	notify    Notifier
	connInfo  protocol.ConnectionInfo
	profiling bool

	interrupt chan struct{} // capacity 1; armed by Interrupt, drained at hook safe points

	// abortQueued is how many already-queued executes to abort after a
	// failure with stop_on_error set.
	abortQueued atomic.Int64
}

// NewEngine wires the execution engine. The notifier starts as a no-op
// until the transport layer calls SetNotifier.
func NewEngine(id string, cfg *Config, eng script.Engine, bus *events.Bus, reg *hooks.Registry) *Engine {
	e := &Engine{
		id:        id,
		cfg:       cfg,
		script:    eng,
		worker:    NewWorker(),
		bus:       bus,
		hooks:     reg,
		history:   NewHistory(0),
		notify:    func(*protocol.Message, any) {},
		interrupt: make(chan struct{}, 1),
	}

	e.machine = NewStateMachine(func(from, to State) {
		bus.Emit("kernel.state."+to.String(), map[string]any{
			"from": from.String(),
			"to":   to.String(),
		}, events.LanguageNative)
		hctx := hooks.NewContext(hooks.PostStateChange,
			hooks.ComponentID{Kind: hooks.ComponentKernel, Name: id},
			events.LanguageNative)
		hctx.Data["from"] = from.String()
		hctx.Data["to"] = to.String()
		reg.Dispatch(hctx)
	})

	e.mux = debug.NewMultiplexer(eng)
	e.mux.Register("interrupt", debug.PriorityInterrupt,
		script.HookTriggers{EveryNthInstruction: cfg.Debug.CheckInterval},
		e.interruptCheck)
	e.debugger = debug.NewDebugger(eng, e.mux, e.onDebugEvent)
	e.debugger.SetCheckInterval(cfg.Debug.CheckInterval)
	if cfg.Debug.Enabled {
		e.debugger.SetMode(debug.ModeMinimal)
	}
	e.profiler = debug.NewProfiler()
	e.monitor = debug.NewMonitor(bus, debug.MonitorInterval)
	e.monitor.Attach(e.mux)
	e.mux.Install()

	return e
}

// SetNotifier installs the iopub broadcast callback.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notify = n
	e.mu.Unlock()
}

// SetConnectionInfo records the published connection details for
// connect_request replies.
func (e *Engine) SetConnectionInfo(info protocol.ConnectionInfo) {
	e.mu.Lock()
	e.connInfo = info
	e.mu.Unlock()
}

// Debugger exposes the debug subsystem to the transport layer.
func (e *Engine) Debugger() *debug.Debugger { return e.debugger }

// Profiler exposes the profiling handler.
func (e *Engine) Profiler() *debug.Profiler { return e.profiler }

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.machine.Current() }

// MarkReady transitions Starting -> Idle once the transport is up.
func (e *Engine) MarkReady() error {
	return e.machine.Transition(StateIdle)
}

// BeginShutdown moves the kernel into its terminal state.
func (e *Engine) BeginShutdown() {
	if err := e.machine.Transition(StateStopping); err != nil {
		engineLog.Errorf("shutdown transition: %s", err.Error())
	}
	e.debugger.ResumeIfPaused()
	e.Interrupt()
}

// Stop tears down the worker. Call after BeginShutdown.
func (e *Engine) Stop() {
	e.worker.Stop()
	e.mux.Uninstall()
}

// ExecutionCount returns the number of execute requests processed.
func (e *Engine) ExecutionCount() uint64 { return e.history.counter() }

func (e *Engine) publish(parent *protocol.Message, payload any) {
	e.mu.Lock()
	n := e.notify
	e.mu.Unlock()
	n(parent, payload)
}

func (e *Engine) publishStatus(parent *protocol.Message, state string) {
	e.publish(parent, &protocol.StatusNotification{
		Op:             protocol.OpStatus,
		ExecutionState: state,
	})
}

// ---------------------------------------------------------------------------
// Interrupt
// ---------------------------------------------------------------------------

// Interrupt aborts the in-flight execute at the next safe point. It is
// a no-op when the engine is idle apart from arming the flag, which is
// cleared before the next execute starts.
func (e *Engine) Interrupt() {
	select {
	case e.interrupt <- struct{}{}:
	default:
	}
	if in, ok := e.script.(interrupter); ok {
		in.Interrupt()
	}
	e.debugger.ResumeIfPaused()
}

func (e *Engine) interruptCheck(info *script.DebugInfo) error {
	select {
	case <-e.interrupt:
		return script.ErrInterrupt
	default:
		return nil
	}
}

func (e *Engine) clearInterrupt() {
	select {
	case <-e.interrupt:
	default:
	}
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

// Execute runs one cell through the worker. The reply is always
// non-nil; transport errors surface in its status.
func (e *Engine) Execute(ctx context.Context, req *protocol.ExecuteRequest, parent *protocol.Message) *protocol.ExecuteReply {
	res, err := e.worker.Do(func() (any, error) {
		return e.runExecute(ctx, req, parent), nil
	})
	if err != nil {
		return &protocol.ExecuteReply{
			Op:     protocol.OpExecuteReply,
			Status: protocol.StatusError,
			EName:  "KernelError",
			EValue: err.Error(),
		}
	}
	return res.(*protocol.ExecuteReply)
}

func (e *Engine) runExecute(ctx context.Context, req *protocol.ExecuteRequest, parent *protocol.Message) *protocol.ExecuteReply {
	if e.abortQueued.Load() > 0 {
		e.abortQueued.Add(-1)
		return &protocol.ExecuteReply{
			Op:     protocol.OpExecuteReply,
			Status: protocol.StatusAbort,
			EName:  "Aborted",
			EValue: "aborted by an earlier error",
		}
	}
	if err := e.machine.Transition(StateBusy); err != nil {
		return &protocol.ExecuteReply{
			Op:     protocol.OpExecuteReply,
			Status: protocol.StatusError,
			EName:  "StateError",
			EValue: err.Error(),
		}
	}
	e.publishStatus(parent, "busy")
	defer func() {
		if err := e.machine.Transition(StateIdle); err != nil {
			engineLog.Errorf("busy->idle transition: %s", err.Error())
		}
		e.publishStatus(parent, "idle")
	}()

	e.clearInterrupt()
	count := e.history.nextCount()
	reply := &protocol.ExecuteReply{
		Op:             protocol.OpExecuteReply,
		Status:         protocol.StatusOK,
		ExecutionCount: count,
	}

	code := req.Code
	component := hooks.ComponentID{Kind: hooks.ComponentEngine, Name: e.script.Name()}
	hctx := hooks.NewContext(hooks.PreCodeExecution, component, events.LanguageLua)
	hctx.Data["code"] = code
	hctx.Data["execution_count"] = count
	switch res := e.hooks.Dispatch(hctx); res.Kind {
	case hooks.KindReplace:
		if s, ok := res.Value.(string); ok {
			code = s
		}
	case hooks.KindSkip:
		return reply
	case hooks.KindFail:
		reply.Status = protocol.StatusError
		reply.EName = "HookError"
		reply.EValue = res.Err.Error()
		return reply
	}

	session := ""
	if parent != nil && parent.Header != nil {
		session = parent.Header.Session
	}
	if req.StoreHistory {
		e.history.Append(protocol.HistoryEntry{
			Session: session,
			Line:    count,
			Input:   code,
		})
	}

	stdout := &streamWriter{engine: e, parent: parent, name: "stdout", silent: req.Silent}
	stderr := &streamWriter{engine: e, parent: parent, name: "stderr", silent: req.Silent}
	e.script.SetStreams(stdout, stderr)

	e.bus.Emit("kernel.execute.start", map[string]any{
		"execution_count": count,
		"session":         session,
	}, events.LanguageNative)

	result, err := e.script.Eval(ctx, code, executeSource)

	if req.StoreHistory {
		e.history.SetLastOutput(stdout.tail())
	}

	post := hctx.Child(hooks.PostCodeExecution, component)
	post.Data["execution_count"] = count
	post.Data["error"] = err != nil
	e.hooks.Dispatch(post)

	switch {
	case err == nil:
		if result != nil && !req.Silent {
			reply.Payload = []any{map[string]any{
				"source": "execute_result",
				"data":   result,
			}}
		}
		e.bus.Emit("kernel.execute.ok", map[string]any{"execution_count": count}, events.LanguageNative)
	case script.IsInterrupt(err):
		reply.Status = protocol.StatusAbort
		reply.EName = "Interrupt"
		reply.EValue = "execution interrupted"
		e.bus.Emit("kernel.execute.abort", map[string]any{"execution_count": count}, events.LanguageNative)
	default:
		ename, evalue, traceback := classifyError(err)
		reply.Status = protocol.StatusError
		reply.EName = ename
		reply.EValue = evalue
		reply.Traceback = traceback
		if !req.Silent {
			e.publish(parent, &protocol.ErrorNotification{
				Op:        protocol.OpErrorEvent,
				EName:     ename,
				EValue:    evalue,
				Traceback: traceback,
			})
		}
		fail := hctx.Child(hooks.ExecutionError, component)
		fail.Data["error"] = evalue
		e.hooks.Dispatch(fail)
		e.bus.Emit("kernel.execute.error", map[string]any{
			"execution_count": count,
			"ename":           ename,
		}, events.LanguageNative)
		if req.StopOnError {
			// Executes already queued behind this one are flushed as
			// aborted; anything submitted afterwards runs normally.
			e.abortQueued.Store(int64(e.worker.Pending()))
		}
	}
	return reply
}

// classifyError maps script errors onto ename/evalue/traceback.
func classifyError(err error) (string, string, []string) {
	var syn *lua.SyntaxError
	if errors.As(err, &syn) {
		return "SyntaxError", syn.Error(), nil
	}
	var run *lua.RuntimeError
	if errors.As(err, &run) {
		return "RuntimeError", run.Error(), run.Traceback
	}
	return "EvalError", err.Error(), nil
}

// streamWriter forwards interpreter output as stream notifications and
// keeps a bounded tail for history.
type streamWriter struct {
	engine *Engine
	parent *protocol.Message
	name   string
	silent bool

	mu  sync.Mutex
	buf strings.Builder
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.buf.Len() < historyOutputCap {
		w.buf.Write(p)
	}
	w.mu.Unlock()
	if !w.silent {
		w.engine.publish(w.parent, &protocol.StreamNotification{
			Op:   protocol.OpStream,
			Name: w.name,
			Text: string(p),
		})
	}
	return len(p), nil
}

func (w *streamWriter) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.buf.String()
	if len(s) > historyOutputCap {
		s = s[:historyOutputCap]
	}
	return s
}

// ---------------------------------------------------------------------------
// Synchronous queries (served without the worker)
// ---------------------------------------------------------------------------

// Complete answers a completion request. A cursor beyond the code is
// clamped; the result is then an empty match list, not an error.
func (e *Engine) Complete(req *protocol.CompleteRequest) *protocol.CompleteReply {
	cursor := req.CursorPos
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(req.Code) {
		cursor = len(req.Code)
	}
	matches, start := e.script.Complete(req.Code, cursor)
	if matches == nil {
		matches = []string{}
	}
	return &protocol.CompleteReply{
		Op:          protocol.OpCompleteReply,
		Status:      protocol.StatusOK,
		Matches:     matches,
		CursorStart: start,
		CursorEnd:   cursor,
	}
}

// Inspect answers an introspection request for the identifier at the
// cursor.
func (e *Engine) Inspect(req *protocol.InspectRequest) *protocol.InspectReply {
	reply := &protocol.InspectReply{
		Op:     protocol.OpInspectReply,
		Status: protocol.StatusOK,
	}
	name := identifierAt(req.Code, req.CursorPos)
	if name == "" {
		return reply
	}
	for _, g := range e.script.GlobalNames() {
		if g == name {
			reply.Found = true
			reply.Data = map[string]string{
				"text/plain": fmt.Sprintf("%s: global in %s", name, e.script.Name()),
			}
			return reply
		}
	}
	return reply
}

// identifierAt extracts the identifier spanning the cursor.
func identifierAt(code string, cursor int) string {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(code) {
		cursor = len(code)
	}
	isIdent := func(c byte) bool {
		return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	}
	start := cursor
	for start > 0 && isIdent(code[start-1]) {
		start--
	}
	end := cursor
	for end < len(code) && isIdent(code[end]) {
		end++
	}
	return code[start:end]
}

// IsComplete classifies a partial REPL input.
func (e *Engine) IsComplete(req *protocol.IsCompleteRequest) *protocol.IsCompleteReply {
	reply := &protocol.IsCompleteReply{Op: protocol.OpIsCompleteReply}
	switch e.script.IsComplete(req.Code) {
	case script.CompleteYes:
		reply.Status = "complete"
	case script.CompleteNo:
		reply.Status = "incomplete"
		reply.Indent = "  "
	case script.CompleteInvalid:
		reply.Status = "invalid"
	default:
		reply.Status = "unknown"
	}
	return reply
}

// KernelInfo answers a kernel_info request.
func (e *Engine) KernelInfo() *protocol.KernelInfoReply {
	return &protocol.KernelInfoReply{
		Op:                    protocol.OpKernelInfoReply,
		Status:                protocol.StatusOK,
		KernelID:              e.id,
		ProtocolVersion:       ProtocolVersion,
		Implementation:        "incant",
		ImplementationVersion: Version,
		LanguageName:          e.script.Name(),
		Banner:                fmt.Sprintf("incant %s (%s)", Version, e.script.Name()),
	}
}

// HistoryReply answers a history request.
func (e *Engine) HistoryReply(req *protocol.HistoryRequest) *protocol.HistoryReply {
	entries := e.history.Entries(req.Session, req.Tail)
	if !req.Output {
		for i := range entries {
			entries[i].Output = ""
		}
	}
	return &protocol.HistoryReply{
		Op:      protocol.OpHistoryReply,
		Status:  protocol.StatusOK,
		History: entries,
	}
}

// CommInfo answers a comm_info request. This kernel opens no comms.
func (e *Engine) CommInfo() *protocol.CommInfoReply {
	return &protocol.CommInfoReply{
		Op:     protocol.OpCommInfoReply,
		Status: protocol.StatusOK,
		Comms:  map[string]any{},
	}
}

// Connect answers a connect request with the published endpoint.
func (e *Engine) Connect() *protocol.ConnectReply {
	e.mu.Lock()
	info := e.connInfo
	e.mu.Unlock()
	return &protocol.ConnectReply{
		Op:     protocol.OpConnectReply,
		Status: protocol.StatusOK,
		Info:   info,
	}
}

// ---------------------------------------------------------------------------
// Profiling toggle
// ---------------------------------------------------------------------------

// ToggleProfiler attaches or detaches the profiling handler and
// returns the new state.
func (e *Engine) ToggleProfiler() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profiling {
		e.profiler.Detach(e.mux)
		e.profiling = false
	} else {
		e.profiler.Attach(e.mux)
		e.profiling = true
	}
	engineLog.Noticef("profiler enabled: %t", e.profiling)
	return e.profiling
}

// ---------------------------------------------------------------------------
// Debug events
// ---------------------------------------------------------------------------

func (e *Engine) onDebugEvent(ev debug.Event) {
	note := &protocol.DebugEventNotification{
		Op:     protocol.OpDebugEvent,
		Reason: ev.Reason,
	}
	switch ev.Type {
	case "stopped":
		note.Event = "paused"
		note.Location = &protocol.Location{File: ev.Location.File, Line: ev.Location.Line}
	default:
		note.Event = ev.Type
	}
	e.publish(nil, note)
	e.bus.Emit("debug."+ev.Type, map[string]any{
		"reason": ev.Reason,
		"file":   ev.Location.File,
		"line":   ev.Location.Line,
	}, events.LanguageNative)
}

// ---------------------------------------------------------------------------
// State persistence
// ---------------------------------------------------------------------------

// StateSnapshot assembles the persistable kernel state.
func (e *Engine) StateSnapshot(session statepkg.SessionState) *statepkg.Snapshot {
	snap := &statepkg.Snapshot{Timestamp: time.Now()}
	snap.Execution.ExecutionCount = e.ExecutionCount()
	snap.Execution.History = e.history.snapshot()
	snap.Session = session
	snap.Debug.Mode = e.debugger.Mode().String()
	snap.Debug.CheckInterval = e.cfg.Debug.CheckInterval
	if paused, _, loc := e.debugger.Paused(); paused {
		snap.Debug.PausedAt = &statepkg.Location{File: loc.File, Line: loc.Line}
	}
	for _, bp := range e.debugger.Breakpoints() {
		snap.Debug.Breakpoints = append(snap.Debug.Breakpoints, statepkg.BreakpointSpec{
			ID:          bp.ID,
			File:        bp.File,
			Line:        bp.Line,
			Condition:   bp.Condition,
			HitCount:    bp.HitCount,
			IgnoreCount: bp.IgnoreCount,
			Enabled:     bp.Enabled,
		})
	}
	return snap
}

// RestoreState reloads history and breakpoints from a snapshot.
func (e *Engine) RestoreState(snap *statepkg.Snapshot) {
	e.history.restoreCount(snap.Execution.ExecutionCount)
	e.history.restore(snap.Execution.History)
	for _, bp := range snap.Debug.Breakpoints {
		restored, err := e.debugger.SetBreakpoint(bp.File, bp.Line, bp.Condition, bp.HitCount, bp.IgnoreCount)
		if err != nil {
			engineLog.Errorf("restore breakpoint %s:%d: %s", bp.File, bp.Line, err.Error())
			continue
		}
		if !bp.Enabled {
			e.debugger.SetBreakpointEnabled(restored.ID, false)
		}
	}
}
