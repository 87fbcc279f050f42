package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/incantor/incant/protocol"
)

// stubServer answers requests over the far end of a pipe.
type stubServer struct {
	transport *protocol.StreamTransport
	handle    func(*protocol.Message) []*protocol.Message
}

func newPipeClient(t *testing.T, handle func(*protocol.Message) []*protocol.Message, opts ...Option) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server := &stubServer{
		transport: protocol.NewStreamTransport(serverConn, protocol.JSONCodec{}),
		handle:    handle,
	}
	go server.serve()
	c := New(protocol.NewStreamTransport(clientConn, protocol.JSONCodec{}), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func (s *stubServer) serve() {
	for {
		req, err := s.transport.Recv()
		if err != nil {
			return
		}
		for _, m := range s.handle(req) {
			if err := s.transport.Send(m); err != nil {
				return
			}
		}
	}
}

func mustResponse(req *protocol.Message, payload any) *protocol.Message {
	m, err := protocol.NewResponse(req, payload)
	if err != nil {
		panic(err)
	}
	return m
}

func TestKernelInfoRoundTrip(t *testing.T) {
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		return []*protocol.Message{mustResponse(req, &protocol.KernelInfoReply{
			Op:           protocol.OpKernelInfoReply,
			Status:       protocol.StatusOK,
			KernelID:     "stub",
			LanguageName: "lua",
		})}
	})
	info, err := c.KernelInfo(context.Background())
	if err != nil {
		t.Fatalf("kernel info: %v", err)
	}
	if info.KernelID != "stub" || info.LanguageName != "lua" {
		t.Errorf("info = %+v", info)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	// Hold replies until both requests have arrived, then answer in
	// reverse order; pairing must follow parent_msg_id, not arrival.
	var mu sync.Mutex
	var held []*protocol.Message
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		var exec protocol.ExecuteRequest
		json.Unmarshal(req.Content, &exec)
		count := uint64(1)
		if exec.Code == "second" {
			count = 2
		}
		reply := mustResponse(req, &protocol.ExecuteReply{
			Op:             protocol.OpExecuteReply,
			Status:         protocol.StatusOK,
			ExecutionCount: count,
		})
		mu.Lock()
		defer mu.Unlock()
		held = append(held, reply)
		if len(held) < 2 {
			return nil
		}
		return []*protocol.Message{held[1], held[0]}
	})

	var wg sync.WaitGroup
	results := make([]uint64, 2)
	for i, code := range []string{"first", "second"} {
		i, code := i, code
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := c.Execute(context.Background(), code)
			if err != nil {
				t.Errorf("execute %s: %v", code, err)
				return
			}
			results[i] = reply.ExecutionCount
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	if results[0] != 1 || results[1] != 2 {
		t.Errorf("results = %v; replies crossed wires", results)
	}
}

func TestUnknownParentDropped(t *testing.T) {
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		stray := mustResponse(req, &protocol.KernelInfoReply{Op: protocol.OpKernelInfoReply})
		stray.ParentMsgID = "no-such-request"
		real := mustResponse(req, &protocol.KernelInfoReply{
			Op:       protocol.OpKernelInfoReply,
			Status:   protocol.StatusOK,
			KernelID: "stub",
		})
		return []*protocol.Message{stray, real}
	})
	info, err := c.KernelInfo(context.Background())
	if err != nil {
		t.Fatalf("kernel info: %v", err)
	}
	if info.KernelID != "stub" {
		t.Errorf("info = %+v", info)
	}
}

func TestRequestTimeout(t *testing.T) {
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		return nil // never answer
	}, WithTimeout(50*time.Millisecond))
	_, err := c.Execute(context.Background(), "x = 1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestContextCancel(t *testing.T) {
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Execute(ctx, "x = 1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNotificationsReachSink(t *testing.T) {
	notes := make(chan *protocol.Message, 4)
	c := newPipeClient(t, func(req *protocol.Message) []*protocol.Message {
		busy, _ := protocol.NewNotification(protocol.ChannelIOPub, req.MsgID,
			&protocol.StatusNotification{Op: protocol.OpStatus, ExecutionState: "busy"})
		reply := mustResponse(req, &protocol.ExecuteReply{
			Op:             protocol.OpExecuteReply,
			Status:         protocol.StatusOK,
			ExecutionCount: 1,
		})
		return []*protocol.Message{busy, reply}
	}, WithNotificationSink(func(m *protocol.Message) {
		select {
		case notes <- m:
		default:
		}
	}))

	if _, err := c.Execute(context.Background(), "x = 1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case n := <-notes:
		op, _ := n.ContentOp()
		if op != protocol.OpStatus {
			t.Errorf("op = %q", op)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never saw the notification")
	}
}

func TestClosedConnectionFailsPending(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := New(protocol.NewStreamTransport(clientConn, protocol.JSONCodec{}))

	serverTr := protocol.NewStreamTransport(serverConn, protocol.JSONCodec{})
	go func() {
		serverTr.Recv() // swallow the request
		serverTr.Close()
	}()

	_, err := c.Execute(context.Background(), "x = 1")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	// New requests fail fast once closed.
	if _, err := c.KernelInfo(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	c.Close()
}
