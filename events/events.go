// Package events provides the kernel's universal event model and an
// in-process publish/subscribe bus. Every emitted event carries a
// process-wide monotonic sequence number, giving a total order across
// all channels.
package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Language tags the script language an event originated from.
type Language string

const (
	LanguageLua    Language = "lua"
	LanguageNative Language = "native"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = "1.0"

// sequence is the process-wide monotonic event counter. This is one of
// the two pieces of legitimate global mutable state in the kernel (the
// other is the signal flag set in the daemon package).
var sequence atomic.Uint64

// NextSequence returns the next value of the global event counter.
func NextSequence() uint64 {
	return sequence.Add(1)
}

// Metadata carries routing and correlation information for an event.
type Metadata struct {
	CorrelationID string        `json:"correlation_id"`
	Source        string        `json:"source,omitempty"`
	Target        string        `json:"target,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Priority      int           `json:"priority,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
}

// UniversalEvent is the single event shape flowing through the kernel.
type UniversalEvent struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	Data          any       `json:"data"`
	Language      Language  `json:"language"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      uint64    `json:"sequence"`
	Metadata      Metadata  `json:"metadata"`
	SchemaVersion string    `json:"schema_version"`
}

// New creates an event with a fresh id, the current timestamp, and the
// next global sequence number.
func New(eventType string, data any, lang Language) *UniversalEvent {
	return &UniversalEvent{
		ID:            uuid.NewString(),
		EventType:     eventType,
		Data:          data,
		Language:      lang,
		Timestamp:     time.Now().UTC(),
		Sequence:      NextSequence(),
		SchemaVersion: SchemaVersion,
	}
}

// WithCorrelation sets the correlation id and returns the event.
func (e *UniversalEvent) WithCorrelation(id string) *UniversalEvent {
	e.Metadata.CorrelationID = id
	return e
}

// Expired reports whether the event's TTL has elapsed. Events without a
// TTL never expire. Expired events are dropped at emit time by the Bus;
// receivers never observe them.
func (e *UniversalEvent) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.Metadata.TTL))
}
