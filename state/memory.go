package state

import (
	"encoding/json"
	"sort"
	"sync"
)

// MemoryBackend keeps state in process memory. Snapshots are stored as
// serialized bytes so callers cannot alias the saved structures.
type MemoryBackend struct {
	mu        sync.Mutex
	current   []byte
	snapshots map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: map[string][]byte{}}
}

func (m *MemoryBackend) SaveCurrent(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) LoadCurrent() (*Snapshot, error) {
	m.mu.Lock()
	data := m.current
	m.mu.Unlock()
	if data == nil {
		return nil, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryBackend) SaveSnapshot(name string, snap *Snapshot) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshots[name] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) LoadSnapshot(name string) (*Snapshot, error) {
	m.mu.Lock()
	data, ok := m.snapshots[name]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryBackend) ListSnapshots() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.snapshots))
	for name := range m.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBackend) DeleteSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[name]; !ok {
		return ErrNotFound
	}
	delete(m.snapshots, name)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
