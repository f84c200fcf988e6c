package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-archive/layout"
)

// ErrArchiveBusy is returned when another run holds the archive lock.
var ErrArchiveBusy = errors.New("archive is locked by another run")

// Lock is the single-writer lock of an archive root.
type Lock struct {
	path string
	file *os.File
}

// LockArchive acquires <archive>/.lock without blocking.
func LockArchive(archiveDir string) (*Lock, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	path := filepath.Join(archiveDir, layout.LockFile)
	file, err := acquire(path)
	if err != nil {
		return nil, err
	}
	return &Lock{path: path, file: file}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := release(l.path, l.file)
	l.file = nil
	return err
}
