package store

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/state"
)

// Folder is a folder record of the archive. Messages are only available
// between Open and Close.
type Folder struct {
	store *Store
	path  string

	mu       sync.Mutex
	open     bool
	messages []*Message
}

// Name returns the last path segment, or "" for the archive root.
func (f *Folder) Name() string {
	if f.path == "" {
		return ""
	}
	return path.Base(f.path)
}

// FullName returns the slash separated path relative to the archive root.
func (f *Folder) FullName() string {
	return f.path
}

// Dir returns the folder's directory.
func (f *Folder) Dir() string {
	return layout.FolderDir(f.store.root, f.path)
}

func (f *Folder) Exists() bool {
	info, err := os.Stat(f.Dir())
	return err == nil && info.IsDir()
}

func (f *Folder) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Open migrates legacy message directories into messages/ and loads the
// metadata of every message. Bodies are read lazily. While another run holds
// the archive lock the migration is skipped and both layouts are loaded in
// place.
func (f *Folder) Open(mode Mode) error {
	if mode != ReadOnly {
		return ErrReadOnly
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, f.display())
	}
	if !f.Exists() {
		return fmt.Errorf("%w: %s", ErrNoSuchFolder, f.display())
	}

	if err := f.migrateLocked(); err != nil {
		return fmt.Errorf("migrate %s: %w", f.display(), err)
	}
	messages, err := f.load()
	if err != nil {
		return fmt.Errorf("load %s: %w", f.display(), err)
	}

	f.messages = messages
	f.open = true
	return nil
}

func (f *Folder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotOpen
	}
	f.open = false
	f.messages = nil
	return nil
}

// List returns the direct subfolders.
func (f *Folder) List() ([]*Folder, error) {
	names, err := archive.ChildFolders(f.Dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFolder, f.display())
	}
	if err != nil {
		return nil, err
	}
	out := make([]*Folder, 0, len(names))
	for _, name := range names {
		out = append(out, &Folder{store: f.store, path: path.Join(f.path, name)})
	}
	return out, nil
}

// Messages returns the loaded messages, oldest received first.
func (f *Folder) Messages() ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, ErrNotOpen
	}
	return append([]*Message(nil), f.messages...), nil
}

// Message returns the message with the 1-based number n.
func (f *Folder) Message(n int) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, ErrNotOpen
	}
	if n < 1 || n > len(f.messages) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchMessage, n, len(f.messages))
	}
	return f.messages[n-1], nil
}

// MessageCount returns the loaded count of an open folder. An unopened
// folder counts directories holding message.properties without reading
// them.
func (f *Folder) MessageCount() (int, error) {
	f.mu.Lock()
	open, loaded := f.open, len(f.messages)
	f.mu.Unlock()
	if open {
		return loaded, nil
	}

	dirs, err := archive.MessageDirs(f.Dir())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range dirs {
		if d.Complete {
			count++
		}
	}
	return count, nil
}

// Search returns the loaded messages matching match, in folder order.
func (f *Folder) Search(match func(*Message) bool) ([]*Message, error) {
	messages, err := f.Messages()
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, m := range messages {
		if match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Folder) load() ([]*Message, error) {
	dirs, err := archive.MessageDirs(f.Dir())
	if err != nil {
		return nil, err
	}

	logger := f.store.logger
	messages := make([]*Message, 0, len(dirs))
	for _, d := range dirs {
		if !d.Complete {
			logger.Warn("skipping message without metadata", "folder", f.display(), "dir", d.Name)
			continue
		}
		rec, err := layout.ReadRecord(d.Path)
		if err != nil {
			logger.Warn("skipping message with corrupt metadata", "folder", f.display(), "dir", d.Name, "err", err)
			continue
		}
		messages = append(messages, &Message{dir: d.Path, name: d.Name, rec: rec})
	}

	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		az, bz := a.rec.ReceivedAt.IsZero(), b.rec.ReceivedAt.IsZero()
		switch {
		case az != bz:
			return bz
		case !az && !a.rec.ReceivedAt.Equal(b.rec.ReceivedAt):
			return a.rec.ReceivedAt.Before(b.rec.ReceivedAt)
		default:
			return a.name < b.name
		}
	})
	for i, m := range messages {
		m.number = i + 1
	}

	logger.Debug("folder loaded", "folder", f.display(), "messages", len(messages))
	return messages, nil
}

// migrateLocked runs migrate under the archive lock, or not at all when the
// lock cannot be taken.
func (f *Folder) migrateLocked() error {
	lock, err := state.LockArchive(f.store.root)
	if errors.Is(err, state.ErrArchiveBusy) {
		f.store.logger.Debug("archive busy, skipping migration", "folder", f.display())
		return nil
	}
	if err != nil {
		f.store.logger.Warn("cannot lock archive, skipping migration", "folder", f.display(), "err", err)
		return nil
	}
	defer func() {
		if err := lock.Release(); err != nil {
			f.store.logger.Warn("release archive lock", "err", err)
		}
	}()

	_, err = f.migrate()
	return err
}

// migrate moves legacy message directories into messages/. A legacy
// directory whose target already exists stays where it is and is still
// loaded from there.
func (f *Folder) migrate() (int, error) {
	dir := f.Dir()
	legacy, err := archive.LegacyMessageDirs(dir)
	if err != nil || len(legacy) == 0 {
		return 0, err
	}

	container := layout.MessagesPath(dir)
	if err := os.MkdirAll(container, 0o755); err != nil {
		return 0, err
	}

	logger := f.store.logger
	moved := 0
	for _, d := range legacy {
		target := filepath.Join(container, d.Name)
		if _, err := os.Lstat(target); err == nil {
			logger.Warn("migration target exists, keeping legacy directory", "folder", f.display(), "dir", d.Name)
			continue
		}
		if err := os.Rename(d.Path, target); err != nil {
			logger.Warn("cannot migrate message directory", "folder", f.display(), "dir", d.Name, "err", err)
			continue
		}
		moved++
	}
	if moved > 0 {
		logger.Info("migrated legacy messages", "folder", f.display(), "moved", moved)
	}
	return moved, nil
}

func (f *Folder) display() string {
	if f.path == "" {
		return "/"
	}
	return f.path
}
