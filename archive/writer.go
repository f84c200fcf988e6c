package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/model"
)

// ErrExists is returned when the target message directory is already
// present and complete.
var ErrExists = errors.New("message directory already exists")

// Writer persists message records under an archive root.
type Writer struct {
	root   string
	logger *slog.Logger
}

func NewWriter(root string, logger *slog.Logger) *Writer {
	return &Writer{root: root, logger: logger}
}

// Target returns the directory a message id is stored in and whether a
// complete record already lives there. A complete record in the legacy
// layout of the folder counts as stored; its directory is returned instead.
func (w *Writer) Target(folderPath, id string) (dir string, complete bool) {
	dir = layout.MessageDir(w.root, folderPath, id)
	if layout.HasRecord(dir) {
		return dir, true
	}
	if legacy := layout.LegacyMessageDir(w.root, folderPath, id); layout.HasRecord(legacy) {
		return legacy, true
	}
	return dir, false
}

// Write decomposes raw and stores it as a message record of folderPath.
// message.properties is written last; on any error the directory is removed
// again so the message is retried by the next run.
func (w *Writer) Write(folderPath, id string, env model.Envelope, raw []byte) (string, error) {
	dir, complete := w.Target(folderPath, id)
	if complete {
		return dir, ErrExists
	}

	content, err := Decompose(raw)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(dir); err == nil {
		// left behind by an interrupted run
		if w.logger != nil {
			w.logger.Warn("removing partial message directory", "dir", dir, "messageID", id)
		}
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("remove partial directory: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create messages directory: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return dir, ErrExists
		}
		return "", fmt.Errorf("create message directory: %w", err)
	}

	if err := w.persist(dir, id, env, raw, content); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil && w.logger != nil {
			w.logger.Warn("cleanup after failed write", "dir", dir, "err", rmErr)
		}
		return "", err
	}
	return dir, nil
}

func (w *Writer) persist(dir, id string, env model.Envelope, raw []byte, content *Content) error {
	if err := os.WriteFile(filepath.Join(dir, layout.TextFile), []byte(content.Text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", layout.TextFile, err)
	}
	if content.HTML != "" {
		if err := os.WriteFile(filepath.Join(dir, layout.HTMLFile), []byte(content.HTML), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", layout.HTMLFile, err)
		}
	}
	if len(content.Attachments) > 0 {
		if err := writeAttachments(filepath.Join(dir, layout.AttachmentsDir), content.Attachments); err != nil {
			return err
		}
	}

	return layout.WriteRecord(dir, buildRecord(id, env, raw, content.Headers))
}

func writeAttachments(dir string, attachments []Attachment) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", layout.AttachmentsDir, err)
	}
	used := make(map[string]int, len(attachments))
	for _, att := range attachments {
		name := uniqueName(layout.Sanitize(att.Name), used)
		if err := os.WriteFile(filepath.Join(dir, name), att.Data, 0o644); err != nil {
			return fmt.Errorf("write attachment %s: %w", name, err)
		}
	}
	return nil
}

// uniqueName keeps the first occurrence of a name and numbers later ones
// "2_name", "3_name", ...
func uniqueName(name string, used map[string]int) string {
	used[name]++
	n := used[name]
	if n == 1 {
		return name
	}
	for {
		candidate := fmt.Sprintf("%d_%s", n, name)
		if _, taken := used[candidate]; !taken {
			used[candidate] = 1
			return candidate
		}
		n++
	}
}

func buildRecord(id string, env model.Envelope, raw []byte, h Headers) model.Record {
	rec := model.Record{
		ID:         id,
		FolderID:   layout.Sanitize(id),
		Subject:    firstNonEmpty(env.Subject, h.Subject),
		From:       firstNonEmpty(env.From, h.From),
		ReplyTo:    firstNonEmpty(env.ReplyTo, h.ReplyTo),
		To:         firstNonEmpty(env.To, h.To),
		Cc:         firstNonEmpty(env.Cc, h.Cc),
		SentAt:     env.SentAt,
		ReceivedAt: env.ReceivedAt,
		Size:       env.Size,
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = h.Date
	}
	if rec.Size == 0 {
		rec.Size = int64(len(raw))
	}
	return rec
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
