// Package cleanup restores the one-directory-per-message invariant of an
// archive and removes folders left empty.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/progress"
	"github.com/dhcgn/mail-archive/state"
)

// DefaultReportEvery is the progress interval in processed messages.
const DefaultReportEvery = 100

type Options struct {
	ArchiveDir  string
	ReportEvery int
	Progress    progress.Reporter
}

// Result summarizes a maintenance pass.
type Result struct {
	Folders        int
	Messages       int
	Duplicates     int
	RemovedFolders int
	FreedBytes     int64
}

func (r Result) String() string {
	return fmt.Sprintf("Checked %d messages in %d folders, removed %d duplicates and %d empty folders (%s freed)",
		r.Messages, r.Folders, r.Duplicates, r.RemovedFolders, formatBytes(r.FreedBytes))
}

func (r Result) LogAttrs() []any {
	return []any{
		"folders", r.Folders,
		"messages", r.Messages,
		"duplicates", r.Duplicates,
		"removedFolders", r.RemovedFolders,
		"freedBytes", r.FreedBytes,
	}
}

// Maintainer removes duplicate message directories. When two directories
// carry the same message id, the one modified most recently survives; on
// equal modification times the first one visited stays.
type Maintainer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Maintainer {
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = DefaultReportEvery
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Maintainer{opts: opts, logger: logger}
}

type survivor struct {
	path    string
	modTime time.Time
}

// Run performs one pass. Folders are visited children first so a parent
// emptied by its children's cleanup is removed in the same pass. Every step
// only deletes, so an interrupted pass is completed by running again.
func (m *Maintainer) Run(ctx context.Context) (Result, error) {
	var res Result
	logger := m.logger.With("run", uuid.NewString())

	lock, err := state.LockArchive(m.opts.ArchiveDir)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release archive lock", "err", err)
		}
	}()

	folders, err := archive.Folders(m.opts.ArchiveDir)
	if err != nil {
		return res, fmt.Errorf("list folders: %w", err)
	}
	tracker := progress.NewTracker(m.opts.Progress)
	tracker.Update(0, "Checking for duplicates")
	logger.Info("cleanup started", "archive", m.opts.ArchiveDir, "folders", len(folders))

	seen := make(map[string]survivor)
	for i, folder := range folders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.cleanFolder(ctx, folder, seen, &res, func() {
			if res.Messages%m.opts.ReportEvery == 0 {
				tracker.Fraction(i, len(folders), fmt.Sprintf("Checked %d messages, %d duplicates", res.Messages, res.Duplicates))
			}
		}, logger); err != nil {
			return res, err
		}
		res.Folders++
		m.removeIfEmpty(folder, &res, logger)
	}

	// a duplicate may have been removed from a folder visited earlier
	for _, folder := range folders {
		m.removeIfEmpty(folder, &res, logger)
	}

	tracker.Finalize(res.String())
	logger.Info("cleanup finished", res.LogAttrs()...)
	return res, nil
}

func (m *Maintainer) cleanFolder(ctx context.Context, folder archive.FolderDir, seen map[string]survivor, res *Result, tick func(), logger *slog.Logger) error {
	dirs, err := archive.MessageDirs(folder.Path)
	if err != nil {
		logger.Warn("cannot read folder", "folder", folder.Rel, "err", err)
		return nil
	}

	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Complete {
			continue
		}
		res.Messages++
		m.resolve(d, seen, res, logger)
		tick()
	}
	return nil
}

// resolve records d under its canonical id, deleting whichever of d and
// the previously seen directory is older.
func (m *Maintainer) resolve(d archive.MessageDir, seen map[string]survivor, res *Result, logger *slog.Logger) {
	id := d.Name
	if rec, err := layout.ReadRecord(d.Path); err == nil {
		id = rec.CanonicalID(layout.Sanitize, d.Name)
	} else {
		logger.Debug("using directory name as id", "dir", d.Path, "err", err)
	}

	info, err := os.Stat(d.Path)
	if err != nil {
		logger.Warn("cannot stat message directory", "dir", d.Path, "err", err)
		return
	}
	current := survivor{path: d.Path, modTime: info.ModTime()}

	prev, dup := seen[id]
	if !dup {
		seen[id] = current
		return
	}

	res.Duplicates++
	victim := current
	if current.modTime.After(prev.modTime) {
		victim = prev
		seen[id] = current
	}

	size := archive.DirSize(victim.path)
	if err := os.RemoveAll(victim.path); err != nil {
		logger.Warn("cannot remove duplicate", "messageID", id, "dir", victim.path, "err", err)
		return
	}
	res.FreedBytes += size
	logger.Info("duplicate removed", "messageID", id, "removed", victim.path, "kept", seen[id].path)
}

// removeIfEmpty deletes an empty messages/ container and then the folder
// itself when nothing is left in it.
func (m *Maintainer) removeIfEmpty(folder archive.FolderDir, res *Result, logger *slog.Logger) {
	container := layout.MessagesPath(folder.Path)
	if empty, err := archive.IsEmptyDir(container); err == nil && empty {
		if err := os.Remove(container); err != nil {
			logger.Warn("cannot remove empty messages directory", "folder", folder.Rel, "err", err)
			return
		}
	}

	empty, err := archive.IsEmptyDir(folder.Path)
	if err != nil || !empty {
		return
	}
	if err := os.Remove(folder.Path); err != nil {
		logger.Warn("cannot remove empty folder", "folder", folder.Rel, "err", err)
		return
	}
	res.RemovedFolders++
	logger.Info("empty folder removed", "folder", folder.Rel)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
