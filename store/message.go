package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/model"
)

// Message is a loaded message record. Metadata comes from
// message.properties; bodies are read on first access.
type Message struct {
	dir    string
	name   string
	number int
	rec    model.Record

	mu       sync.Mutex
	text     *string
	html     *string
	attNames []string
}

// Number is the 1-based position inside the folder.
func (m *Message) Number() int { return m.number }

// Dir returns the message directory.
func (m *Message) Dir() string { return m.dir }

// Record returns the persisted metadata.
func (m *Message) Record() model.Record { return m.rec }

func (m *Message) ID() string            { return m.rec.ID }
func (m *Message) FolderID() string      { return m.rec.FolderID }
func (m *Message) Subject() string       { return m.rec.Subject }
func (m *Message) From() string          { return m.rec.From }
func (m *Message) ReplyTo() string       { return m.rec.ReplyTo }
func (m *Message) To() string            { return m.rec.To }
func (m *Message) Cc() string            { return m.rec.Cc }
func (m *Message) SentAt() time.Time     { return m.rec.SentAt }
func (m *Message) ReceivedAt() time.Time { return m.rec.ReceivedAt }
func (m *Message) Size() int64           { return m.rec.Size }

// Text returns content.txt, or the first other *.txt file when it is
// missing. A message without any text file has an empty body.
func (m *Message) Text() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.text != nil {
		return *m.text, nil
	}

	name, err := m.textFile()
	if err != nil {
		return "", err
	}
	text := ""
	if name != "" {
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		text = string(data)
	}
	m.text = &text
	return text, nil
}

func (m *Message) textFile() (string, error) {
	if _, err := os.Stat(filepath.Join(m.dir, layout.TextFile)); err == nil {
		return layout.TextFile, nil
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.txt"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, p := range matches {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return filepath.Base(p), nil
		}
	}
	return "", nil
}

// HTML returns content.html, or "" when the message has no HTML body.
func (m *Message) HTML() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.html != nil {
		return *m.html, nil
	}
	data, err := os.ReadFile(filepath.Join(m.dir, layout.HTMLFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read %s: %w", layout.HTMLFile, err)
	}
	html := string(data)
	m.html = &html
	return html, nil
}

// Attachments lists the attachment file names, sorted.
func (m *Message) Attachments() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attNames != nil {
		return append([]string(nil), m.attNames...), nil
	}
	entries, err := os.ReadDir(filepath.Join(m.dir, layout.AttachmentsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	m.attNames = names
	return append([]string(nil), names...), nil
}

// OpenAttachment opens an attachment by the name returned from Attachments.
func (m *Message) OpenAttachment(name string) (io.ReadCloser, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchAttachment, name)
	}
	f, err := os.Open(filepath.Join(m.dir, layout.AttachmentsDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchAttachment, name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
