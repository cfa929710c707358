// Package persistence saves and loads an ordered record snapshot so that it
// survives a crash at any point of a save.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrShortWrite is returned when the temp file did not receive every byte.
var ErrShortWrite = errors.New("short write of snapshot")

// BackupSuffix is appended to the live path to name the previous snapshot.
const BackupSuffix = ".old"

type envelope[T any] struct {
	Count   int `json:"count"`
	Records []T `json:"records"`
}

// File is a crash-safe snapshot of records of type T at a fixed path.
type File[T any] struct {
	path string
	mu   sync.Mutex

	// write fills the temp file; swapped in tests to simulate a torn write.
	write func(f *os.File, data []byte) (int, error)
}

// New returns a File for the snapshot at path.
func New[T any](path string) *File[T] {
	return &File[T]{
		path:  path,
		write: func(f *os.File, data []byte) (int, error) { return f.Write(data) },
	}
}

// Path returns the live snapshot path.
func (p *File[T]) Path() string { return p.path }

// BackupPath returns the path the previous snapshot is linked to.
func (p *File[T]) BackupPath() string { return p.path + BackupSuffix }

// Save replaces the snapshot with records. The previous snapshot is
// hard-linked to BackupPath first and the new content only becomes visible
// through an atomic rename once it has been written in full.
func (p *File[T]) Save(records []T) error {
	if records == nil {
		records = []T{}
	}
	data, err := json.Marshal(envelope[T]{Count: len(records), Records: records})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	p.linkBackup()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := p.write(tmp, data)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(data))
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("failed to rename temp snapshot: %w", err)
	}
	committed = true
	return nil
}

// linkBackup points BackupPath at the current live snapshot. Failures are
// ignored: the backup only matters when a later save is torn.
func (p *File[T]) linkBackup() {
	live, err := os.Stat(p.path)
	if err != nil {
		return
	}
	backup := p.BackupPath()
	if old, err := os.Stat(backup); err == nil {
		if os.SameFile(live, old) {
			return
		}
		os.Remove(backup)
	}
	os.Link(p.path, backup)
}

// Load returns the saved records. found is false, with a nil error, when
// neither the live snapshot nor its backup exist. The backup is consulted
// once, only when the live snapshot cannot be read or decoded.
func (p *File[T]) Load() (records []T, found bool, err error) {
	if !exists(p.path) && !exists(p.BackupPath()) {
		return nil, false, nil
	}

	records, err = read[T](p.path)
	if err == nil {
		return records, true, nil
	}

	records, backupErr := read[T](p.BackupPath())
	if backupErr != nil {
		return nil, false, fmt.Errorf("failed to load snapshot %s: %w (backup: %v)", p.path, err, backupErr)
	}
	return records, true, nil
}

func read[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if env.Count != len(env.Records) {
		return nil, fmt.Errorf("snapshot %s holds %d records, header says %d", path, len(env.Records), env.Count)
	}
	return env.Records, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
