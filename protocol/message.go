// Package protocol defines the kernel's wire protocol: the protocol
// message envelope, the REPL protocol (LRP) and debug protocol (LDP)
// payload unions, the self-describing codecs, and length-prefixed
// framing over a byte stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the wire protocol version carried in every header.
const Version = "1.0"

// MessageType classifies a protocol message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
)

// Channel names. The kernel multiplexes all channels over one stream;
// the channel field on each message distinguishes them.
const (
	ChannelShell     = "shell"
	ChannelIOPub     = "iopub"
	ChannelStdin     = "stdin"
	ChannelControl   = "control"
	ChannelHeartbeat = "heartbeat"
)

// MessageHeader identifies a message and its session of origin. The
// msg_id is unique per message and echoed as parent_msg_id on the
// paired response.
type MessageHeader struct {
	MsgID    string    `json:"msg_id"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Date     time.Time `json:"date"`
	MsgType  string    `json:"msg_type"`
	Version  string    `json:"version"`
}

// NewHeader creates a header with a fresh UUID msg_id and the current
// UTC time.
func NewHeader(session, username, msgType string) MessageHeader {
	return MessageHeader{
		MsgID:    uuid.NewString(),
		Session:  session,
		Username: username,
		Date:     time.Now().UTC(),
		MsgType:  msgType,
		Version:  Version,
	}
}

// Message is the envelope for every frame on the wire. Content is kept
// raw until the dispatcher classifies it as LRP or LDP.
type Message struct {
	MsgID       string          `json:"msg_id"`
	MsgType     MessageType     `json:"msg_type"`
	Channel     string          `json:"channel"`
	Content     json.RawMessage `json:"content"`
	ParentMsgID string          `json:"parent_msg_id,omitempty"`
	Header      *MessageHeader  `json:"header,omitempty"`
}

// NewRequest builds a request message around the given payload. The
// payload must marshal with its op tag set (see lrp.go / ldp.go).
func NewRequest(channel string, payload any) (*Message, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal request content: %w", err)
	}
	return &Message{
		MsgID:   uuid.NewString(),
		MsgType: TypeRequest,
		Channel: channel,
		Content: content,
	}, nil
}

// NewResponse builds the response paired to a request. parent_msg_id is
// always the request's msg_id; pairing by arrival order is never valid.
func NewResponse(req *Message, payload any) (*Message, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal response content: %w", err)
	}
	return &Message{
		MsgID:       uuid.NewString(),
		MsgType:     TypeResponse,
		Channel:     req.Channel,
		Content:     content,
		ParentMsgID: req.MsgID,
	}, nil
}

// NewErrorResponse builds an error message paired to a request.
func NewErrorResponse(req *Message, payload any) (*Message, error) {
	m, err := NewResponse(req, payload)
	if err != nil {
		return nil, err
	}
	m.MsgType = TypeError
	return m, nil
}

// NewNotification builds an unpaired notification. When parent is
// non-empty it links the notification to the request that triggered it
// (status and stream output during an execute).
func NewNotification(channel string, parent string, payload any) (*Message, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal notification content: %w", err)
	}
	return &Message{
		MsgID:       uuid.NewString(),
		MsgType:     TypeNotification,
		Channel:     channel,
		Content:     content,
		ParentMsgID: parent,
	}, nil
}

// Validate checks the envelope invariants. Unknown optional fields are
// accepted by construction (JSON decode ignores them); unknown message
// types are rejected here.
func (m *Message) Validate() error {
	if m.MsgID == "" {
		return fmt.Errorf("protocol: message missing msg_id")
	}
	switch m.MsgType {
	case TypeRequest, TypeNotification:
	case TypeResponse, TypeError:
		if m.ParentMsgID == "" {
			return fmt.Errorf("protocol: %s %s missing parent_msg_id", m.MsgType, m.MsgID)
		}
	default:
		return fmt.Errorf("protocol: unknown msg_type %q", m.MsgType)
	}
	return nil
}

// ContentOp peeks at the "op" tag of the content payload without
// decoding the full body.
func (m *Message) ContentOp() (string, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(m.Content, &probe); err != nil {
		return "", fmt.Errorf("protocol: content of %s is not an object: %w", m.MsgID, err)
	}
	if probe.Op == "" {
		return "", fmt.Errorf("protocol: content of %s has no op tag", m.MsgID)
	}
	return probe.Op, nil
}
