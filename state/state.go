// Package state models the kernel's resumable state and its
// persistence backends: in-memory for tests, JSON files for
// production, and SQLite for installations that want queryable
// snapshot history.
package state

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no saved state exists under the
// requested name.
var ErrNotFound = errors.New("state: not found")

// HistoryEntry is one executed REPL cell.
type HistoryEntry struct {
	Session string `json:"session"`
	Line    int    `json:"line"`
	Input   string `json:"input"`
	Output  string `json:"output,omitempty"`
}

// ExecutionState is the execution engine's persistent slice: the
// monotonic counter, the in-flight request, and recent history.
type ExecutionState struct {
	ExecutionCount uint64         `json:"execution_count"`
	CurrentRequest string         `json:"current_request,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

// SessionState captures connection-level facts worth resuming.
type SessionState struct {
	KernelID       string    `json:"kernel_id"`
	StartedAt      time.Time `json:"started_at"`
	ClientsServed  uint64    `json:"clients_served"`
	ActiveSessions int       `json:"active_sessions"`
}

// BreakpointSpec mirrors a debugger breakpoint for persistence.
type BreakpointSpec struct {
	ID          int    `json:"id"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Condition   string `json:"condition,omitempty"`
	HitCount    int    `json:"hit_count,omitempty"`
	IgnoreCount int    `json:"ignore_count,omitempty"`
	Enabled     bool   `json:"enabled"`
	CurrentHits int    `json:"current_hits,omitempty"`
}

// Location is a source position.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// DebugState is the debugger's persistent slice.
type DebugState struct {
	Breakpoints   []BreakpointSpec `json:"breakpoints,omitempty"`
	PausedAt      *Location        `json:"paused_at,omitempty"`
	Mode          string           `json:"mode"`
	CheckInterval uint32           `json:"check_interval,omitempty"`
}

// Snapshot is the full resumable kernel state.
type Snapshot struct {
	Execution ExecutionState    `json:"execution"`
	Session   SessionState      `json:"session"`
	Debug     DebugState        `json:"debug"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Backend persists kernel state. The unnamed current state is saved on
// every checkpoint; named snapshots are user-requested save points.
type Backend interface {
	// SaveCurrent replaces the current state.
	SaveCurrent(snap *Snapshot) error

	// LoadCurrent returns the current state or ErrNotFound.
	LoadCurrent() (*Snapshot, error)

	// SaveSnapshot stores snap under name.
	SaveSnapshot(name string, snap *Snapshot) error

	// LoadSnapshot returns the snapshot saved under name or
	// ErrNotFound.
	LoadSnapshot(name string) (*Snapshot, error)

	// ListSnapshots returns saved snapshot names, sorted.
	ListSnapshots() ([]string, error)

	// DeleteSnapshot removes the snapshot saved under name.
	DeleteSnapshot(name string) error

	// Close releases backend resources.
	Close() error
}
