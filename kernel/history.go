package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/incantor/incant/protocol"
	"github.com/incantor/incant/state"
)

// defaultHistoryCap bounds the in-memory execution history.
const defaultHistoryCap = 1000

// History is a fixed-capacity ring of executed cells.
type History struct {
	execs atomic.Uint64

	mu      sync.Mutex
	entries []protocol.HistoryEntry
	start   int
	count   int
}

// NewHistory returns a ring holding up to capacity entries; zero uses
// the default.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{entries: make([]protocol.HistoryEntry, capacity)}
}

// nextCount assigns the execution counter for a new cell. The counter
// is monotonic across the kernel's lifetime.
func (h *History) nextCount() uint64 { return h.execs.Add(1) }

// counter returns the number of cells executed so far.
func (h *History) counter() uint64 { return h.execs.Load() }

// restoreCount reloads a persisted counter value.
func (h *History) restoreCount(n uint64) { h.execs.Store(n) }

// Append records one executed cell, evicting the oldest at capacity.
func (h *History) Append(entry protocol.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.entries) {
		h.entries[(h.start+h.count)%len(h.entries)] = entry
		h.count++
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % len(h.entries)
}

// SetLastOutput attaches output to the most recent entry.
func (h *History) SetLastOutput(output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return
	}
	h.entries[(h.start+h.count-1)%len(h.entries)].Output = output
}

// Entries returns the history oldest-first, filtered by session when
// session is non-empty and truncated to the last tail entries when
// tail is positive.
func (h *History) Entries(session string, tail int) []protocol.HistoryEntry {
	h.mu.Lock()
	out := make([]protocol.HistoryEntry, 0, h.count)
	for i := 0; i < h.count; i++ {
		entry := h.entries[(h.start+i)%len(h.entries)]
		if session != "" && entry.Session != session {
			continue
		}
		out = append(out, entry)
	}
	h.mu.Unlock()
	if tail > 0 && tail < len(out) {
		out = out[len(out)-tail:]
	}
	return out
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// snapshot converts the ring for persistence.
func (h *History) snapshot() []state.HistoryEntry {
	entries := h.Entries("", 0)
	out := make([]state.HistoryEntry, len(entries))
	for i, entry := range entries {
		out[i] = state.HistoryEntry{
			Session: entry.Session,
			Line:    int(entry.Line),
			Input:   entry.Input,
			Output:  entry.Output,
		}
	}
	return out
}

// restore reloads persisted entries.
func (h *History) restore(entries []state.HistoryEntry) {
	for _, entry := range entries {
		h.Append(protocol.HistoryEntry{
			Session: entry.Session,
			Line:    uint64(entry.Line),
			Input:   entry.Input,
			Output:  entry.Output,
		})
	}
}
