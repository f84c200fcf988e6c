// Package testutil builds fixture mail and archives for tests.
package testutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/model"
)

// Attachment of a fixture message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Mail describes a fixture message.
type Mail struct {
	MessageID   string
	Subject     string
	From        string
	To          string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []Attachment
}

// Build renders m as an RFC 5322 message. A message with only Text is a
// single text/plain entity; anything else is multipart/mixed with the
// bodies inside a multipart/alternative.
func Build(t testing.TB, m Mail) []byte {
	t.Helper()

	var h mail.Header
	if m.MessageID != "" {
		h.Set("Message-Id", m.MessageID)
	}
	if m.Subject != "" {
		h.SetSubject(m.Subject)
	}
	if m.From != "" {
		h.Set("From", m.From)
	}
	if m.To != "" {
		h.Set("To", m.To)
	}
	if !m.Date.IsZero() {
		h.SetDate(m.Date)
	}

	var buf bytes.Buffer
	if m.HTML == "" && len(m.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			t.Fatalf("create writer: %v", err)
		}
		mustWrite(t, w, []byte(m.Text))
		return buf.Bytes()
	}

	h.SetContentType("multipart/mixed", nil)
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	var altHeader message.Header
	altHeader.SetContentType("multipart/alternative", nil)
	alt, err := w.CreatePart(altHeader)
	if err != nil {
		t.Fatalf("create alternative part: %v", err)
	}
	if m.Text != "" {
		var th message.Header
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		part, err := alt.CreatePart(th)
		if err != nil {
			t.Fatalf("create text part: %v", err)
		}
		mustWrite(t, part, []byte(m.Text))
	}
	if m.HTML != "" {
		var hh message.Header
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		part, err := alt.CreatePart(hh)
		if err != nil {
			t.Fatalf("create html part: %v", err)
		}
		mustWrite(t, part, []byte(m.HTML))
	}
	if err := alt.Close(); err != nil {
		t.Fatalf("close alternative part: %v", err)
	}

	for _, att := range m.Attachments {
		var ah message.Header
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetContentDisposition("attachment", map[string]string{"filename": att.Name})
		ah.Set("Content-Transfer-Encoding", "base64")
		part, err := w.CreatePart(ah)
		if err != nil {
			t.Fatalf("create attachment part: %v", err)
		}
		mustWrite(t, part, att.Data)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

func mustWrite(t testing.TB, w io.WriteCloser, data []byte) {
	t.Helper()
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close part: %v", err)
	}
}

// Envelope returns the remote envelope matching m.
func Envelope(m Mail, received time.Time) model.Envelope {
	return model.Envelope{
		MessageID:  m.MessageID,
		Subject:    m.Subject,
		From:       m.From,
		To:         m.To,
		SentAt:     m.Date,
		ReceivedAt: received,
	}
}

// WriteRecordDir creates a message directory with message.properties and
// content.txt below parent and returns its path.
func WriteRecordDir(t testing.TB, parent string, rec model.Record, text string) string {
	t.Helper()
	name := rec.FolderID
	if name == "" {
		name = layout.Sanitize(rec.ID)
	}
	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, layout.TextFile), []byte(text), 0o644); err != nil {
		t.Fatalf("write content: %v", err)
	}
	if err := layout.WriteRecord(dir, rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
	return dir
}

// SetModTime sets the modification time of path.
func SetModTime(t testing.TB, path string, mod time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// CountMessageDirs counts message directories carrying message.properties
// anywhere below root.
func CountMessageDirs(t testing.TB, root string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == layout.PropertiesFile {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return count
}

// WriteMbox writes raws as an mbox file at path, one From_ line per message.
func WriteMbox(t testing.TB, path string, received time.Time, raws ...[]byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := mboxlib.NewWriter(f)
	for _, raw := range raws {
		mw, err := w.CreateMessage("sender@example.com", received)
		if err != nil {
			t.Fatalf("create mbox message: %v", err)
		}
		if !bytes.HasSuffix(raw, []byte("\n")) {
			raw = append(raw[:len(raw):len(raw)], '\r', '\n')
		}
		if _, err := mw.Write(raw); err != nil {
			t.Fatalf("write mbox message: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close mbox writer: %v", err)
	}
}
