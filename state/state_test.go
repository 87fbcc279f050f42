package state

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Execution: ExecutionState{
			ExecutionCount: 7,
			CurrentRequest: "msg-42",
			History: []HistoryEntry{
				{Session: "s1", Line: 1, Input: "local x = 1", Output: ""},
				{Session: "s1", Line: 2, Input: "return x + 1", Output: "2"},
			},
		},
		Session: SessionState{
			KernelID:      "kernel-abc",
			StartedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			ClientsServed: 3,
		},
		Debug: DebugState{
			Breakpoints: []BreakpointSpec{
				{ID: 1, File: "s.lua", Line: 3, Condition: "x > 1", Enabled: true},
			},
			Mode:          "full",
			CheckInterval: 1000,
		},
		Timestamp: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
		Metadata:  map[string]string{"reason": "shutdown"},
	}
}

// backends under test share one behavioral suite
func runBackendSuite(t *testing.T, backend Backend) {
	t.Helper()

	if _, err := backend.LoadCurrent(); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadCurrent on empty backend = %v, want ErrNotFound", err)
	}

	snap := sampleSnapshot()
	if err := backend.SaveCurrent(snap); err != nil {
		t.Fatalf("SaveCurrent failed: %v", err)
	}
	loaded, err := backend.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Execution, snap.Execution) {
		t.Errorf("execution state round trip:\n got %+v\nwant %+v", loaded.Execution, snap.Execution)
	}
	if !reflect.DeepEqual(loaded.Debug, snap.Debug) {
		t.Errorf("debug state round trip:\n got %+v\nwant %+v", loaded.Debug, snap.Debug)
	}
	if loaded.Session.KernelID != snap.Session.KernelID {
		t.Errorf("kernel id = %q, want %q", loaded.Session.KernelID, snap.Session.KernelID)
	}

	// current state is replaced, not appended
	snap.Execution.ExecutionCount = 8
	if err := backend.SaveCurrent(snap); err != nil {
		t.Fatalf("second SaveCurrent failed: %v", err)
	}
	loaded, _ = backend.LoadCurrent()
	if loaded.Execution.ExecutionCount != 8 {
		t.Errorf("execution count = %d after resave, want 8", loaded.Execution.ExecutionCount)
	}

	// named snapshots
	if err := backend.SaveSnapshot("before-upgrade", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := backend.SaveSnapshot("daily.1", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	names, err := backend.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(names) != 2 || names[0] != "before-upgrade" || names[1] != "daily.1" {
		t.Errorf("snapshot names = %v", names)
	}
	restored, err := backend.LoadSnapshot("before-upgrade")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if restored.Execution.ExecutionCount != 8 {
		t.Errorf("restored count = %d, want 8", restored.Execution.ExecutionCount)
	}

	if err := backend.DeleteSnapshot("daily.1"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if err := backend.DeleteSnapshot("daily.1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	if _, err := backend.LoadSnapshot("daily.1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after delete = %v, want ErrNotFound", err)
	}

	// hostile snapshot names are rejected before touching storage
	for _, bad := range []string{"", "../escape", "a/b", "name with space"} {
		if err := backend.SaveSnapshot(bad, snap); err == nil {
			t.Errorf("SaveSnapshot(%q) accepted", bad)
		}
	}
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()
	defer backend.Close()
	runBackendSuite(t, backend)
}

func TestFileBackend(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer backend.Close()
	runBackendSuite(t, backend)
}

func TestSQLiteBackend(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer backend.Close()
	runBackendSuite(t, backend)
}

func TestFileBackendLayout(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	snap := sampleSnapshot()
	if err := backend.SaveCurrent(snap); err != nil {
		t.Fatalf("SaveCurrent failed: %v", err)
	}
	if err := backend.SaveSnapshot("named", snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "kernel.state")); err != nil {
		t.Errorf("kernel.state missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "snapshots", "named.state")); err != nil {
		t.Errorf("snapshots/named.state missing: %v", err)
	}

	// no temp files left behind
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		name := entry.Name()
		if name != "kernel.state" && name != "snapshots" {
			t.Errorf("stray file %q in state dir", name)
		}
	}
}

func TestMemoryBackendCopiesData(t *testing.T) {
	backend := NewMemoryBackend()
	snap := sampleSnapshot()
	if err := backend.SaveCurrent(snap); err != nil {
		t.Fatalf("SaveCurrent failed: %v", err)
	}
	snap.Execution.ExecutionCount = 999

	loaded, err := backend.LoadCurrent()
	if err != nil {
		t.Fatalf("LoadCurrent failed: %v", err)
	}
	if loaded.Execution.ExecutionCount != 7 {
		t.Errorf("saved state aliased the caller's struct: count = %d", loaded.Execution.ExecutionCount)
	}
}
