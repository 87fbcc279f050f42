// Package daemon covers process lifecycle: detaching from the
// terminal, the single-instance PID file, and signal-to-action
// bridging.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("daemon")

// ErrAlreadyRunning means another live process holds the PID file.
var ErrAlreadyRunning = fmt.Errorf("daemon: already running")

// PIDFile is the advisory single-instance lock. It records this
// process's PID at a fixed path and never removes a file written by
// another process.
type PIDFile struct {
	path string
	pid  int
	file *os.File
}

// NewPIDFile returns an unwritten PID file handle for path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// Path returns the PID file location.
func (p *PIDFile) Path() string { return p.path }

// Write claims the PID file. If the path exists and names a live
// process it fails with ErrAlreadyRunning; a stale file (dead process)
// is removed and the claim retried once. The PID is flushed and
// fsynced before returning.
func (p *PIDFile) Write() error {
	if err := p.writeOnce(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return err
	}

	pid, err := ReadPIDFile(p.path)
	if err != nil {
		return fmt.Errorf("daemon: unreadable pid file %s: %w", p.path, err)
	}
	if processAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	log.Infof("removing stale pid file %s (pid %d is dead)", p.path, pid)
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: removing stale pid file: %w", err)
	}
	if err := p.writeOnce(); err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return err
	}
	return nil
}

func (p *PIDFile) writeOnce() error {
	file, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(file, "%d\n", p.pid); err != nil {
		file.Close()
		os.Remove(p.path)
		return fmt.Errorf("daemon: writing pid: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(p.path)
		return fmt.Errorf("daemon: syncing pid file: %w", err)
	}
	p.file = file
	return nil
}

// TryLock takes an exclusive non-blocking advisory lock on the
// written file; false means another process holds it.
func (p *PIDFile) TryLock() (bool, error) {
	if p.file == nil {
		return false, fmt.Errorf("daemon: pid file not written")
	}
	err := syscall.Flock(int(p.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("daemon: locking pid file: %w", err)
	}
	return true, nil
}

// Remove deletes the PID file only if it still contains this
// process's PID.
func (p *PIDFile) Remove() error {
	pid, err := ReadPIDFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != p.pid {
		log.Warningf("pid file %s contains %d, not removing", p.path, pid)
		return nil
	}
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
	return os.Remove(p.path)
}

// ReadPIDFile parses the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether path names a live process.
func IsRunning(path string) bool {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// processAlive probes pid with a null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
