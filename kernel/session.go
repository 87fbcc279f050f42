package kernel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/debug"
	"github.com/incantor/incant/events"
	"github.com/incantor/incant/protocol"
	"github.com/incantor/incant/script"
)

var sessionLog = commonlog.GetLogger("kernel.session")

// executeQueueCap bounds the executes a single client may have in
// flight before the kernel pushes back.
const executeQueueCap = 32

type execJob struct {
	msg *protocol.Message
	req *protocol.ExecuteRequest
}

// Session is one client connection. Synchronous queries, interrupts,
// and debug control are handled on the receive goroutine; executes
// queue to a dedicated goroutine so a long-running cell never blocks
// them. Executes from all sessions still serialize through the shared
// engine worker.
type Session struct {
	id        string
	kernel    *Kernel
	transport protocol.Transport
	execCh    chan execJob

	sendMu sync.Mutex
	closed atomic.Bool
}

func newSession(id string, k *Kernel, t protocol.Transport) *Session {
	return &Session{
		id:        id,
		kernel:    k,
		transport: t,
		execCh:    make(chan execJob, executeQueueCap),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// send frames one message; concurrent senders (the receive goroutine
// and iopub broadcasts) are serialized per connection.
func (s *Session) send(m *protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transport.Send(m)
}

// close tears the connection down once.
func (s *Session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.transport.Close()
	}
}

// serve is the receive loop. It returns when the connection closes.
func (s *Session) serve(ctx context.Context) {
	s.kernel.wg.Add(1)
	go func() {
		defer s.kernel.wg.Done()
		s.executeLoop(ctx)
	}()
	defer s.kernel.dropSession(s)
	defer close(s.execCh)
	for {
		msg, err := s.transport.Recv()
		if err != nil {
			if !errors.Is(err, protocol.ErrTransportClosed) {
				sessionLog.Infof("session %s: recv: %s", s.id, err.Error())
			}
			return
		}
		if err := msg.Validate(); err != nil {
			sessionLog.Errorf("session %s: invalid message: %s", s.id, err.Error())
			continue
		}
		s.handle(ctx, msg)
	}
}

// executeLoop drains queued executes in arrival order. It exits when
// serve closes the queue.
func (s *Session) executeLoop(ctx context.Context) {
	for job := range s.execCh {
		s.reply(job.msg, s.kernel.engine.Execute(ctx, job.req, job.msg))
	}
}

func (s *Session) handle(ctx context.Context, msg *protocol.Message) {
	switch msg.MsgType {
	case protocol.TypeRequest:
		s.handleRequest(ctx, msg)
	case protocol.TypeNotification:
		op, _ := msg.ContentOp()
		s.kernel.bus.Emit("client.notification."+op, map[string]any{
			"session": s.id,
			"msg_id":  msg.MsgID,
		}, events.LanguageNative)
	case protocol.TypeResponse, protocol.TypeError:
		// This kernel never originates requests to clients, so a
		// response here has no pending parent.
		sessionLog.Infof("session %s: dropping unpaired response %s", s.id, msg.MsgID)
	}
}

func (s *Session) handleRequest(ctx context.Context, msg *protocol.Message) {
	lrp, isLRP, err := protocol.DecodeLRPRequest(msg.Content)
	if err != nil {
		s.replyDecodeError(msg, err)
		return
	}
	if isLRP {
		s.handleLRP(ctx, msg, lrp)
		return
	}
	ldp, isLDP, err := protocol.DecodeLDPRequest(msg.Content)
	if err != nil {
		s.replyDecodeError(msg, err)
		return
	}
	if isLDP {
		s.handleLDP(msg, ldp)
		return
	}
	op, _ := msg.ContentOp()
	s.replyError(msg, map[string]any{
		"op":     "error_reply",
		"status": protocol.StatusError,
		"ename":  "UnknownOperation",
		"evalue": fmt.Sprintf("unknown op %q", op),
	})
}

func (s *Session) reply(req *protocol.Message, payload any) {
	m, err := protocol.NewResponse(req, payload)
	if err != nil {
		sessionLog.Errorf("session %s: encode reply: %s", s.id, err.Error())
		return
	}
	if err := s.send(m); err != nil {
		sessionLog.Infof("session %s: send reply: %s", s.id, err.Error())
	}
}

func (s *Session) replyError(req *protocol.Message, payload any) {
	m, err := protocol.NewErrorResponse(req, payload)
	if err != nil {
		sessionLog.Errorf("session %s: encode error reply: %s", s.id, err.Error())
		return
	}
	if err := s.send(m); err != nil {
		sessionLog.Infof("session %s: send error reply: %s", s.id, err.Error())
	}
}

func (s *Session) replyDecodeError(req *protocol.Message, err error) {
	s.replyError(req, map[string]any{
		"op":     "error_reply",
		"status": protocol.StatusError,
		"ename":  "DecodeError",
		"evalue": err.Error(),
	})
}

// ---------------------------------------------------------------------------
// LRP dispatch
// ---------------------------------------------------------------------------

func (s *Session) handleLRP(ctx context.Context, msg *protocol.Message, req protocol.LRPRequest) {
	engine := s.kernel.engine
	switch r := req.(type) {
	case *protocol.ExecuteRequest:
		select {
		case s.execCh <- execJob{msg: msg, req: r}:
		default:
			s.replyError(msg, &protocol.ExecuteReply{
				Op:     protocol.OpExecuteReply,
				Status: protocol.StatusError,
				EName:  "QueueFull",
				EValue: fmt.Sprintf("more than %d executes pending", executeQueueCap),
			})
		}
	case *protocol.CompleteRequest:
		s.reply(msg, engine.Complete(r))
	case *protocol.InspectRequest:
		s.reply(msg, engine.Inspect(r))
	case *protocol.IsCompleteRequest:
		s.reply(msg, engine.IsComplete(r))
	case *protocol.KernelInfoRequest:
		s.reply(msg, engine.KernelInfo())
	case *protocol.HistoryRequest:
		s.reply(msg, engine.HistoryReply(r))
	case *protocol.CommInfoRequest:
		s.reply(msg, engine.CommInfo())
	case *protocol.ConnectRequest:
		s.reply(msg, engine.Connect())
	case *protocol.InterruptRequest:
		engine.Interrupt()
		s.reply(msg, &protocol.InterruptReply{
			Op:     protocol.OpInterruptReply,
			Status: protocol.StatusOK,
		})
	case *protocol.ShutdownRequest:
		s.reply(msg, &protocol.ShutdownReply{
			Op:      protocol.OpShutdownReply,
			Status:  protocol.StatusOK,
			Restart: r.Restart,
		})
		s.kernel.RequestShutdown()
	default:
		s.replyDecodeError(msg, fmt.Errorf("unhandled request %s", req.RequestOp()))
	}
}

// ---------------------------------------------------------------------------
// LDP dispatch
// ---------------------------------------------------------------------------

func (s *Session) handleLDP(msg *protocol.Message, req protocol.LDPRequest) {
	dbg := s.kernel.engine.Debugger()
	switch r := req.(type) {
	case *protocol.InitializeRequest:
		dbg.SetMode(debug.ModeFull)
		s.reply(msg, &protocol.InitializeReply{
			Op:                  protocol.OpDebugInitializeReply,
			Status:              protocol.StatusOK,
			SupportsConditional: true,
			SupportsHitCount:    true,
		})
	case *protocol.SetBreakpointRequest:
		bp, err := dbg.SetBreakpoint(r.File, r.Line, r.Condition, r.HitCount, r.IgnoreCount)
		if err != nil {
			s.replyError(msg, &protocol.SetBreakpointReply{
				Op:     protocol.OpDebugSetBreakpointReply,
				Status: protocol.StatusError,
			})
			return
		}
		s.reply(msg, &protocol.SetBreakpointReply{
			Op:       protocol.OpDebugSetBreakpointReply,
			Status:   protocol.StatusOK,
			ID:       strconv.Itoa(bp.ID),
			Verified: true,
			Line:     bp.Line,
		})
	case *protocol.RemoveBreakpointRequest:
		s.removeBreakpoint(msg, r)
	case *protocol.StepRequest:
		s.controlReply(msg, dbg.StepInto())
	case *protocol.NextRequest:
		s.controlReply(msg, dbg.StepOver())
	case *protocol.ContinueRequest:
		s.controlReply(msg, dbg.Continue())
	case *protocol.PauseRequest:
		dbg.Pause()
		s.controlReply(msg, nil)
	case *protocol.VariablesRequest:
		s.reply(msg, variablesReply(dbg, r))
	case *protocol.StackTraceRequest:
		frames, total := dbg.StackTrace(r.StartFrame, r.Levels)
		s.reply(msg, &protocol.StackTraceReply{
			Op:          protocol.OpDebugStackTraceReply,
			Status:      protocol.StatusOK,
			Frames:      convertFrames(frames),
			TotalFrames: total,
		})
	case *protocol.EvaluateRequest:
		s.evaluate(msg, r)
	default:
		s.replyDecodeError(msg, fmt.Errorf("unhandled request %s", req.RequestOp()))
	}
}

func (s *Session) removeBreakpoint(msg *protocol.Message, r *protocol.RemoveBreakpointRequest) {
	dbg := s.kernel.engine.Debugger()
	removed := false
	if r.ID != "" {
		if id, err := strconv.Atoi(r.ID); err == nil {
			removed = dbg.RemoveBreakpoint(id)
		}
	} else {
		for _, bp := range dbg.Breakpoints() {
			if bp.File == r.File && bp.Line == r.Line {
				removed = dbg.RemoveBreakpoint(bp.ID) || removed
			}
		}
	}
	status := protocol.StatusOK
	if !removed {
		status = protocol.StatusError
	}
	s.reply(msg, &protocol.RemoveBreakpointReply{
		Op:     protocol.OpDebugRemoveBreakpointReply,
		Status: status,
	})
}

func (s *Session) controlReply(msg *protocol.Message, err error) {
	status := protocol.StatusOK
	if err != nil {
		status = protocol.StatusError
	}
	s.reply(msg, &protocol.ControlReply{
		Op:     protocol.OpDebugControlReply,
		Status: status,
	})
}

func (s *Session) evaluate(msg *protocol.Message, r *protocol.EvaluateRequest) {
	value, err := s.kernel.engine.Debugger().Evaluate(r.FrameID, r.Expression)
	if err != nil {
		s.reply(msg, &protocol.EvaluateReply{
			Op:     protocol.OpDebugEvaluateReply,
			Status: protocol.StatusError,
			Result: err.Error(),
		})
		return
	}
	s.reply(msg, &protocol.EvaluateReply{
		Op:     protocol.OpDebugEvaluateReply,
		Status: protocol.StatusOK,
		Result: formatValue(value),
		Type:   valueType(value),
	})
}

func variablesReply(dbg *debug.Debugger, r *protocol.VariablesRequest) *protocol.VariablesReply {
	vars := dbg.Variables(r.FrameID)
	out := make([]protocol.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, protocol.Variable{
			Name:  v.Name,
			Value: formatValue(v.Value),
			Type:  v.Type,
		})
	}
	if r.Start > 0 {
		if r.Start >= len(out) {
			out = out[:0]
		} else {
			out = out[r.Start:]
		}
	}
	if r.Count > 0 && r.Count < len(out) {
		out = out[:r.Count]
	}
	return &protocol.VariablesReply{
		Op:        protocol.OpDebugVariablesReply,
		Status:    protocol.StatusOK,
		Variables: out,
	}
}

func convertFrames(frames []script.Frame) []protocol.StackFrame {
	out := make([]protocol.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = protocol.StackFrame{
			ID:         f.ID,
			Name:       f.Name,
			Location:   protocol.Location{File: f.Source, Line: f.Line},
			IsUserCode: f.UserCode,
		}
	}
	return out
}

func formatValue(v script.Value) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%v", v)
}

func valueType(v script.Value) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	default:
		return fmt.Sprintf("%T", v)
	}
}
