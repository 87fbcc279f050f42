package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes protocol messages for the wire. JSON is the default
// self-describing encoding; CBOR is available for binary transports.
type Codec interface {
	Name() string
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

// JSONCodec encodes messages as self-describing JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal message %s: %w", m.MsgID, err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	return &m, nil
}

// cborEncMode uses canonical encoding for deterministic frames.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// CBORCodec encodes the message envelope as CBOR. Content stays JSON
// inside the envelope so payload decoding is codec-independent.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(m *Message) ([]byte, error) {
	data, err := cborEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: cbor marshal message %s: %w", m.MsgID, err)
	}
	return data, nil
}

func (CBORCodec) Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: cbor unmarshal message: %w", err)
	}
	return &m, nil
}

// CodecByName returns the codec registered under name, defaulting to
// JSON for an empty name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
}
