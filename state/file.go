package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	currentFileName = "kernel.state"
	snapshotDirName = "snapshots"
	snapshotSuffix  = ".state"
)

// snapshot names keep to a portable filename alphabet
var snapshotNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validateSnapshotName(name string) error {
	if !snapshotNameRe.MatchString(name) {
		return fmt.Errorf("state: invalid snapshot name %q", name)
	}
	return nil
}

// FileBackend persists state as JSON under a directory:
// <dir>/kernel.state for the current state and
// <dir>/snapshots/<name>.state for named snapshots. Writes go through
// a temp file and rename so readers never observe partial content.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir (and its snapshots subdirectory) if
// needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, snapshotDirName), 0o755); err != nil {
		return nil, fmt.Errorf("state: creating %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) SaveCurrent(snap *Snapshot) error {
	return f.writeAtomic(filepath.Join(f.dir, currentFileName), snap)
}

func (f *FileBackend) LoadCurrent() (*Snapshot, error) {
	return f.read(filepath.Join(f.dir, currentFileName))
}

func (f *FileBackend) SaveSnapshot(name string, snap *Snapshot) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	return f.writeAtomic(f.snapshotPath(name), snap)
}

func (f *FileBackend) LoadSnapshot(name string) (*Snapshot, error) {
	if err := validateSnapshotName(name); err != nil {
		return nil, err
	}
	return f.read(f.snapshotPath(name))
}

func (f *FileBackend) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, snapshotDirName))
	if err != nil {
		return nil, fmt.Errorf("state: listing snapshots: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), snapshotSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileBackend) DeleteSnapshot(name string) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	err := os.Remove(f.snapshotPath(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) snapshotPath(name string) string {
	return filepath.Join(f.dir, snapshotDirName, name+snapshotSuffix)
}

func (f *FileBackend) writeAtomic(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("state: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replacing %s: %w", path, err)
	}
	return nil
}

func (f *FileBackend) read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: decoding %s: %w", path, err)
	}
	return &snap, nil
}
