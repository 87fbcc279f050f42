package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// PID file tests
// ---------------------------------------------------------------------------

func TestPIDFileWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	pf := NewPIDFile(path)
	if err := pf.Write(); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid file contains %d, want %d", pid, os.Getpid())
	}
	if !IsRunning(path) {
		t.Error("IsRunning = false for our own pid")
	}

	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file survived Remove")
	}
	// removing again is a no-op
	if err := pf.Remove(); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestPIDFileRejectsLiveInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	first := NewPIDFile(path)
	if err := first.Write(); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	defer first.Remove()

	// a second instance in the same process sees a live pid
	second := NewPIDFile(path)
	err := second.Write()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Write = %v, want ErrAlreadyRunning", err)
	}
}

func TestPIDFileRecoversFromStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	// pid 4194305 exceeds the kernel's default pid_max, so it cannot
	// name a live process
	if err := os.WriteFile(path, []byte("4194305\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	pf := NewPIDFile(path)
	if err := pf.Write(); err != nil {
		t.Fatalf("Write over stale file failed: %v", err)
	}
	defer pf.Remove()

	pid, _ := ReadPIDFile(path)
	if pid != os.Getpid() {
		t.Errorf("pid file contains %d after stale recovery, want %d", pid, os.Getpid())
	}
}

func TestPIDFileNeverRemovesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	pf := NewPIDFile(path)
	if err := pf.Write(); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// another instance overwrote the file
	if err := os.WriteFile(path, []byte("99999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Remove deleted a pid file written by another process")
	}
}

func TestPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("ReadPIDFile accepted garbage")
	}
	if IsRunning(path) {
		t.Error("IsRunning = true for malformed file")
	}
}

func TestPIDFileTryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incantd.pid")
	pf := NewPIDFile(path)

	if _, err := pf.TryLock(); err == nil {
		t.Error("TryLock before Write succeeded")
	}
	if err := pf.Write(); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	defer pf.Remove()

	locked, err := pf.TryLock()
	if err != nil || !locked {
		t.Errorf("TryLock = %v, %v, want true, nil", locked, err)
	}
}

// ---------------------------------------------------------------------------
// Signal bridge tests
// ---------------------------------------------------------------------------

func pollUntil(t *testing.T, b *SignalBridge, want Action) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, action := range b.Poll() {
			if action == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("action %s never produced", want)
}

func TestSignalBridgeMapping(t *testing.T) {
	b := NewSignalBridge()
	defer b.Close()

	cases := []struct {
		sig  os.Signal
		want Action
	}{
		{syscall.SIGTERM, ActionShutdown},
		{syscall.SIGINT, ActionInterrupt},
		{syscall.SIGHUP, ActionReload},
		{syscall.SIGUSR1, ActionDumpState},
		{syscall.SIGUSR2, ActionCustom},
	}
	for _, tc := range cases {
		b.Raise(tc.sig)
		pollUntil(t, b, tc.want)
	}
}

func TestSignalConsumedOnce(t *testing.T) {
	b := NewSignalBridge()
	defer b.Close()

	b.Raise(syscall.SIGTERM)
	pollUntil(t, b, ActionShutdown)

	// the flag was swapped to false; nothing pending now
	if actions := b.Poll(); len(actions) != 0 {
		t.Errorf("second poll returned %v, want none", actions)
	}
}

func TestSignalCoalescing(t *testing.T) {
	b := NewSignalBridge()
	defer b.Close()

	b.Raise(syscall.SIGINT)
	b.Raise(syscall.SIGINT)
	b.Raise(syscall.SIGINT)
	pollUntil(t, b, ActionInterrupt)

	time.Sleep(10 * time.Millisecond)
	for _, action := range b.Poll() {
		if action == ActionInterrupt {
			t.Error("coalesced signal produced a second interrupt")
		}
	}
}

func TestSignalOrdering(t *testing.T) {
	b := NewSignalBridge()
	defer b.Close()

	b.Raise(syscall.SIGUSR1)
	b.Raise(syscall.SIGTERM)
	time.Sleep(20 * time.Millisecond)

	actions := b.Poll()
	if len(actions) != 2 {
		t.Fatalf("poll returned %v, want two actions", actions)
	}
	if actions[0] != ActionShutdown {
		t.Errorf("first action = %s, want shutdown first", actions[0])
	}
}
