package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxFrameSize bounds a single frame. Anything larger is treated as a
// protocol error and fails the transport.
const MaxFrameSize = 16 << 20

// ErrTransportClosed is returned by Send/Recv after Close or after a
// fatal framing error.
var ErrTransportClosed = errors.New("protocol: transport closed")

// Transport is a bidirectional message stream. Send writes at most one
// frame per call; Recv blocks for one complete frame. The transport
// spawns no goroutines of its own; it is driven by the kernel receive
// loop and the client session.
type Transport interface {
	Send(m *Message) error
	Recv() (*Message, error)
	Close() error
}

// StreamTransport frames messages over a net.Conn with a 4-byte
// big-endian length prefix. A partial write or a malformed frame moves
// the transport to a failed state; there is no frame-level recovery.
type StreamTransport struct {
	conn  net.Conn
	codec Codec

	sendMu sync.Mutex
	recvMu sync.Mutex

	mu     sync.Mutex
	failed bool
	closed bool
}

// NewStreamTransport wraps conn with the given codec (nil means JSON).
func NewStreamTransport(conn net.Conn, codec Codec) *StreamTransport {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &StreamTransport{conn: conn, codec: codec}
}

// Send serializes and writes one frame.
func (t *StreamTransport) Send(m *Message) error {
	if err := t.check(); err != nil {
		return err
	}
	payload, err := t.codec.Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds limit", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.conn.Write(header[:]); err != nil {
		t.fail()
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := t.conn.Write(payload); err != nil {
		t.fail()
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}

// Recv reads one complete frame, blocking until a frame or an error.
func (t *StreamTransport) Recv() (*Message, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		t.fail()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		t.fail()
		return nil, fmt.Errorf("protocol: frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		t.fail()
		return nil, fmt.Errorf("protocol: read frame body: %w", err)
	}
	return t.codec.Unmarshal(payload)
}

// Close half-closes the write side where the connection supports it,
// then releases the connection.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	type closeWriter interface{ CloseWrite() error }
	if cw, ok := t.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return t.conn.Close()
}

func (t *StreamTransport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.failed {
		return ErrTransportClosed
	}
	return nil
}

func (t *StreamTransport) fail() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
}
