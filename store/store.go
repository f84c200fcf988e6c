// Package store serves an archive directory back as a read-only
// Store → Folder → Message tree.
package store

import (
	"errors"
	"log/slog"

	"github.com/dhcgn/mail-archive/layout"
)

// Mode is the access mode a folder is opened with.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

var (
	ErrNotOpen          = errors.New("folder is not open")
	ErrAlreadyOpen      = errors.New("folder is already open")
	ErrReadOnly         = errors.New("archive store is read-only")
	ErrNoSuchFolder     = errors.New("folder does not exist")
	ErrNoSuchMessage    = errors.New("message number out of range")
	ErrNoSuchAttachment = errors.New("attachment does not exist")
)

// Store is an archive root opened for reading.
type Store struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{root: root, logger: logger}
}

// Root returns the archive directory.
func (s *Store) Root() string {
	return s.root
}

// DefaultFolder returns the archive root as a folder.
func (s *Store) DefaultFolder() *Folder {
	return s.Folder("")
}

// Folder returns the folder at a slash separated path. Every segment is
// sanitized, so raw remote names and their on-disk names resolve to the
// same folder. The folder need not exist.
func (s *Store) Folder(path string) *Folder {
	return &Folder{store: s, path: layout.CleanFolderPath(path)}
}
