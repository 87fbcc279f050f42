// Package client implements the connecting side of the kernel
// protocol: request/response correlation over one framed stream, with
// typed helpers for the REPL and debug operations.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/incantor/incant/protocol"
)

var log = commonlog.GetLogger("client")

// DefaultTimeout bounds a round trip when the caller's context has no
// earlier deadline.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout means the kernel did not answer within the window.
	ErrTimeout = errors.New("client: request timed out")
	// ErrClosed means the connection is gone; in-flight requests fail
	// with it too.
	ErrClosed = errors.New("client: connection closed")
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default round-trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithNotificationSink receives every notification the kernel pushes.
// The sink runs on the receive goroutine; it must not block.
func WithNotificationSink(sink func(*protocol.Message)) Option {
	return func(c *Client) { c.sink = sink }
}

// Client is one connection to a kernel. Methods are safe for
// concurrent use; replies are paired to requests by parent_msg_id, so
// interleaved callers never see each other's responses.
type Client struct {
	transport protocol.Transport
	timeout   time.Duration
	sink      func(*protocol.Message)

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	closed  bool

	done chan struct{}
}

// Dial connects to a kernel over TCP with the JSON codec.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(protocol.NewStreamTransport(conn, protocol.JSONCodec{}), opts...), nil
}

// New wraps an established transport.
func New(t protocol.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		timeout:   DefaultTimeout,
		sink:      func(*protocol.Message) {},
		pending:   map[string]chan *protocol.Message{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receive()
	return c
}

// Close tears the connection down; pending requests fail with
// ErrClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	<-c.done
	return err
}

// receive is the demultiplexer: responses go to their pending waiter,
// notifications to the sink, anything unpaired is dropped with a log
// line.
func (c *Client) receive() {
	defer close(c.done)
	for {
		m, err := c.transport.Recv()
		if err != nil {
			c.failAll()
			return
		}
		switch m.MsgType {
		case protocol.TypeResponse, protocol.TypeError:
			c.mu.Lock()
			ch, ok := c.pending[m.ParentMsgID]
			if ok {
				delete(c.pending, m.ParentMsgID)
			}
			c.mu.Unlock()
			if !ok {
				log.Infof("dropping response %s with unknown parent %s", m.MsgID, m.ParentMsgID)
				continue
			}
			ch <- m
		case protocol.TypeNotification:
			c.sink(m)
		default:
			log.Infof("dropping unexpected %s message %s", m.MsgType, m.MsgID)
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// roundTrip sends payload as a request and waits for its paired
// response.
func (c *Client) roundTrip(ctx context.Context, payload any) (*protocol.Message, error) {
	msg, err := protocol.NewRequest(protocol.ChannelShell, payload)
	if err != nil {
		return nil, err
	}
	ch := make(chan *protocol.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[msg.MsgID] = ch
	c.mu.Unlock()

	if err := c.transport.Send(msg); err != nil {
		c.forget(msg.MsgID)
		return nil, fmt.Errorf("client: send: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-timer.C:
		c.forget(msg.MsgID)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.forget(msg.MsgID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// call round-trips payload and decodes the response content into out.
func (c *Client) call(ctx context.Context, payload any, out any) error {
	m, err := c.roundTrip(ctx, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(m.Content, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// REPL operations
// ---------------------------------------------------------------------------

// Execute runs code on the kernel and returns the reply. The reply's
// status distinguishes ok, error, and abort.
func (c *Client) Execute(ctx context.Context, code string) (*protocol.ExecuteReply, error) {
	var reply protocol.ExecuteReply
	err := c.call(ctx, &protocol.ExecuteRequest{
		Op:           protocol.OpExecuteRequest,
		Code:         code,
		StoreHistory: true,
	}, &reply)
	return &reply, err
}

// ExecuteSilent runs code without history or stream notifications.
func (c *Client) ExecuteSilent(ctx context.Context, code string) (*protocol.ExecuteReply, error) {
	var reply protocol.ExecuteReply
	err := c.call(ctx, &protocol.ExecuteRequest{
		Op:     protocol.OpExecuteRequest,
		Code:   code,
		Silent: true,
	}, &reply)
	return &reply, err
}

// Complete asks for completion candidates at cursor.
func (c *Client) Complete(ctx context.Context, code string, cursor int) (*protocol.CompleteReply, error) {
	var reply protocol.CompleteReply
	err := c.call(ctx, &protocol.CompleteRequest{
		Op:        protocol.OpCompleteRequest,
		Code:      code,
		CursorPos: cursor,
	}, &reply)
	return &reply, err
}

// Inspect introspects the token at cursor.
func (c *Client) Inspect(ctx context.Context, code string, cursor int) (*protocol.InspectReply, error) {
	var reply protocol.InspectReply
	err := c.call(ctx, &protocol.InspectRequest{
		Op:        protocol.OpInspectRequest,
		Code:      code,
		CursorPos: cursor,
	}, &reply)
	return &reply, err
}

// IsComplete classifies a partial input.
func (c *Client) IsComplete(ctx context.Context, code string) (*protocol.IsCompleteReply, error) {
	var reply protocol.IsCompleteReply
	err := c.call(ctx, &protocol.IsCompleteRequest{
		Op:   protocol.OpIsCompleteRequest,
		Code: code,
	}, &reply)
	return &reply, err
}

// KernelInfo fetches kernel identity and capabilities.
func (c *Client) KernelInfo(ctx context.Context) (*protocol.KernelInfoReply, error) {
	var reply protocol.KernelInfoReply
	err := c.call(ctx, &protocol.KernelInfoRequest{Op: protocol.OpKernelInfoRequest}, &reply)
	return &reply, err
}

// History fetches execution history.
func (c *Client) History(ctx context.Context, tail int) (*protocol.HistoryReply, error) {
	var reply protocol.HistoryReply
	err := c.call(ctx, &protocol.HistoryRequest{
		Op:     protocol.OpHistoryRequest,
		Output: true,
		Tail:   tail,
	}, &reply)
	return &reply, err
}

// Connect fetches the kernel's connection information.
func (c *Client) Connect(ctx context.Context) (*protocol.ConnectReply, error) {
	var reply protocol.ConnectReply
	err := c.call(ctx, &protocol.ConnectRequest{Op: protocol.OpConnectRequest}, &reply)
	return &reply, err
}

// Interrupt aborts the in-flight execute.
func (c *Client) Interrupt(ctx context.Context) error {
	var reply protocol.InterruptReply
	return c.call(ctx, &protocol.InterruptRequest{Op: protocol.OpInterruptRequest}, &reply)
}

// Shutdown asks the kernel to stop.
func (c *Client) Shutdown(ctx context.Context, restart bool) error {
	var reply protocol.ShutdownReply
	return c.call(ctx, &protocol.ShutdownRequest{
		Op:      protocol.OpShutdownRequest,
		Restart: restart,
	}, &reply)
}

// ---------------------------------------------------------------------------
// Debug operations
// ---------------------------------------------------------------------------

// DebugInitialize attaches the debugger and reports its capabilities.
func (c *Client) DebugInitialize(ctx context.Context) (*protocol.InitializeReply, error) {
	var reply protocol.InitializeReply
	err := c.call(ctx, &protocol.InitializeRequest{Op: protocol.OpDebugInitialize}, &reply)
	return &reply, err
}

// SetBreakpoint installs a breakpoint.
func (c *Client) SetBreakpoint(ctx context.Context, file string, line int, condition string) (*protocol.SetBreakpointReply, error) {
	var reply protocol.SetBreakpointReply
	err := c.call(ctx, &protocol.SetBreakpointRequest{
		Op:        protocol.OpDebugSetBreakpoint,
		File:      file,
		Line:      line,
		Condition: condition,
	}, &reply)
	return &reply, err
}

// RemoveBreakpoint removes a breakpoint by id.
func (c *Client) RemoveBreakpoint(ctx context.Context, id string) error {
	var reply protocol.RemoveBreakpointReply
	err := c.call(ctx, &protocol.RemoveBreakpointRequest{
		Op: protocol.OpDebugRemoveBreakpoint,
		ID: id,
	}, &reply)
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("client: breakpoint %s not removed", id)
	}
	return nil
}

// StepInto steps into the next statement.
func (c *Client) StepInto(ctx context.Context) error {
	return c.control(ctx, &protocol.StepRequest{Op: protocol.OpDebugStep})
}

// Next steps over the next statement.
func (c *Client) Next(ctx context.Context) error {
	return c.control(ctx, &protocol.NextRequest{Op: protocol.OpDebugNext})
}

// Continue resumes a paused execution.
func (c *Client) Continue(ctx context.Context) error {
	return c.control(ctx, &protocol.ContinueRequest{Op: protocol.OpDebugContinue})
}

// Pause requests a pause at the next safe point.
func (c *Client) Pause(ctx context.Context) error {
	return c.control(ctx, &protocol.PauseRequest{Op: protocol.OpDebugPause})
}

func (c *Client) control(ctx context.Context, req protocol.LDPRequest) error {
	var reply protocol.ControlReply
	if err := c.call(ctx, req, &reply); err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("client: %s rejected", req.RequestOp())
	}
	return nil
}

// Variables fetches the bindings of a paused frame.
func (c *Client) Variables(ctx context.Context, frameID int) (*protocol.VariablesReply, error) {
	var reply protocol.VariablesReply
	err := c.call(ctx, &protocol.VariablesRequest{
		Op:      protocol.OpDebugVariables,
		FrameID: frameID,
	}, &reply)
	return &reply, err
}

// StackTrace fetches the paused call stack.
func (c *Client) StackTrace(ctx context.Context) (*protocol.StackTraceReply, error) {
	var reply protocol.StackTraceReply
	err := c.call(ctx, &protocol.StackTraceRequest{Op: protocol.OpDebugStackTrace}, &reply)
	return &reply, err
}

// Evaluate evaluates an expression in a paused frame.
func (c *Client) Evaluate(ctx context.Context, frameID int, expr string) (*protocol.EvaluateReply, error) {
	var reply protocol.EvaluateReply
	err := c.call(ctx, &protocol.EvaluateRequest{
		Op:         protocol.OpDebugEvaluate,
		Expression: expr,
		FrameID:    frameID,
	}, &reply)
	return &reply, err
}
