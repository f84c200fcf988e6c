package syncer

import (
	"context"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/layout"
)

// prescan adds every archived message of both layouts to the dedup index:
// the stored id, the stored folder id, the sanitized id and the directory
// name, so any of them identifies a known message.
func (r *run) prescan(ctx context.Context) error {
	folders, err := archive.Folders(r.opts.ArchiveDir)
	if err != nil {
		return err
	}

	records := 0
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		dirs, err := archive.MessageDirs(folder.Path)
		if err != nil {
			r.logger.Warn("cannot scan archive folder", "folder", folder.Rel, "err", err)
			continue
		}
		for _, d := range dirs {
			if !d.Complete {
				continue
			}
			r.index.Add(d.Name)
			rec, err := layout.ReadRecord(d.Path)
			if err != nil {
				r.logger.Debug("indexing by directory name only", "dir", d.Path, "err", err)
				continue
			}
			r.index.Add(rec.ID, rec.FolderID)
			if rec.ID != "" {
				r.index.Add(layout.Sanitize(rec.ID))
			}
			records++
		}
	}

	r.logger.Info("archive scanned", "folders", len(folders), "messages", records, "identifiers", r.index.Snapshot().Known)
	return nil
}
