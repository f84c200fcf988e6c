// Package mbox exposes mbox files as a read-only mail source. A single file
// is one folder; a directory contributes one folder per *.mbox file, named
// by its relative path.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/model"
	"github.com/dhcgn/mail-archive/remote"
)

// Ext is the file extension recognized when the source is a directory.
const Ext = ".mbox"

// Delim separates hierarchy levels in folder names of a directory source.
const Delim = '/'

type Options struct {
	Path string
}

// Dialer opens mbox files as a remote.Source.
type Dialer struct {
	path   string
	logger *slog.Logger
}

func NewDialer(opts Options, logger *slog.Logger) (*Dialer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dialer{path: path, logger: logger}, nil
}

// Dial implements remote.Dialer by resolving the folder files.
func (d *Dialer) Dial(ctx context.Context) (remote.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(d.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}

	files := make(map[string]string)
	if !info.IsDir() {
		files[folderName(filepath.Base(d.path))] = d.path
	} else {
		err := filepath.WalkDir(d.path, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(path), Ext) {
				return nil
			}
			rel, err := filepath.Rel(d.path, path)
			if err != nil {
				return err
			}
			files[folderName(filepath.ToSlash(rel))] = path
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan mbox directory: %w", err)
		}
	}

	d.logger.Debug("mbox source opened", "path", d.path, "folders", len(files))
	return &source{files: files, logger: d.logger}, nil
}

func folderName(rel string) string {
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

type source struct {
	files  map[string]string
	logger *slog.Logger
	closed bool
}

func (s *source) Folders(ctx context.Context) ([]model.FolderInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.FolderInfo, 0, len(names))
	for _, name := range names {
		out = append(out, model.FolderInfo{Name: name, Delim: Delim})
	}
	return out, nil
}

func (s *source) Open(ctx context.Context, name string) (remote.Folder, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	path, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrFolderNotFound, name)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return &folder{s: s, name: name, path: path, count: -1, logger: s.logger.With("path", path)}, nil
}

func (s *source) Close() error {
	s.closed = true
	return nil
}

func (s *source) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return remote.ErrClosed
	}
	return nil
}

// scan streams the messages of an mbox file and calls fn with each message
// reader and its 1-based position. fn must not retain the reader.
func scan(ctx context.Context, path string, fn func(uid uint32, r io.Reader) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for uid := uint32(1); ; uid++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", uid, err)
		}
		if err := fn(uid, msgReader); err != nil {
			return err
		}
	}
}

// parseEnvelope reads the header fields of raw. The receive time is taken
// from the topmost Received header, falling back to Date.
func parseEnvelope(raw []byte) (model.Envelope, error) {
	h, err := archive.ReadHeaders(raw)
	if err != nil {
		return model.Envelope{}, err
	}
	env := model.Envelope{
		MessageID: h.MessageID,
		Subject:   h.Subject,
		From:      h.From,
		ReplyTo:   h.ReplyTo,
		To:        h.To,
		Cc:        h.Cc,
		SentAt:    h.Date,
	}
	env.ReceivedAt = receivedTime(raw)
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = h.Date
	}
	return env, nil
}

func receivedTime(raw []byte) time.Time {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	received := msg.Header["Received"]
	if len(received) == 0 {
		return time.Time{}
	}
	idx := strings.LastIndex(received[0], ";")
	if idx < 0 {
		return time.Time{}
	}
	t, err := mail.ParseDate(strings.TrimSpace(received[0][idx+1:]))
	if err != nil {
		return time.Time{}
	}
	return t
}

// folder reads its file lazily. Envelopes are parsed in one pass and kept;
// message bytes are read on Fetch through a cursor that only moves forward,
// so fetching in file order streams the file once.
type folder struct {
	s      *source
	name   string
	path   string
	logger *slog.Logger

	count int
	envs  []model.Envelope
	cur   *cursor
}

type cursor struct {
	file   *os.File
	reader *mboxlib.Reader
	next   uint32
}

func (f *folder) Name() string {
	return f.name
}

// Count counts messages without parsing them unless the envelopes are
// already loaded.
func (f *folder) Count(ctx context.Context) (int, error) {
	if err := f.s.check(ctx); err != nil {
		return 0, err
	}
	if f.envs != nil {
		return len(f.envs), nil
	}
	if f.count >= 0 {
		return f.count, nil
	}
	n := 0
	err := scan(ctx, f.path, func(_ uint32, r io.Reader) error {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.count = n
	return n, nil
}

func (f *folder) Messages(ctx context.Context) ([]model.Envelope, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	envs, err := f.envelopes(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.Envelope(nil), envs...), nil
}

// SearchSince keeps messages without a receive time, like the engine's own
// refinement does.
func (f *folder) SearchSince(ctx context.Context, since time.Time) ([]model.Envelope, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	envs, err := f.envelopes(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Envelope
	for _, env := range envs {
		if env.ReceivedAt.IsZero() || !env.ReceivedAt.Before(since) {
			out = append(out, env)
		}
	}
	return out, nil
}

// envelopes parses the headers of every message, holding one message in
// memory at a time. Messages whose header cannot be parsed keep an envelope
// without metadata so the archive still stores them under a synthesized id.
func (f *folder) envelopes(ctx context.Context) ([]model.Envelope, error) {
	if f.envs != nil {
		return f.envs, nil
	}
	envs := []model.Envelope{}
	err := scan(ctx, f.path, func(uid uint32, r io.Reader) error {
		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("message %d read: %w", uid, err)
		}
		env, err := parseEnvelope(raw)
		if err != nil {
			f.logger.Warn("unparsable mbox message header", "uid", uid, "err", err)
		}
		env.UID = uid
		env.Size = int64(len(raw))
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.envs = envs
	f.count = len(envs)
	return envs, nil
}

func (f *folder) Fetch(ctx context.Context, env model.Envelope) ([]byte, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	if env.UID == 0 || (f.count >= 0 && int(env.UID) > f.count) {
		return nil, fmt.Errorf("%w: uid %d in %s", remote.ErrMessageNotFound, env.UID, f.name)
	}

	if f.cur == nil || env.UID < f.cur.next {
		if err := f.rewind(); err != nil {
			return nil, err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgReader, err := f.cur.reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: uid %d in %s", remote.ErrMessageNotFound, env.UID, f.name)
		}
		if err != nil {
			next := f.cur.next
			f.closeCursor()
			return nil, fmt.Errorf("message %d: %w", next, err)
		}
		uid := f.cur.next
		f.cur.next++
		if uid < env.UID {
			if _, err := io.Copy(io.Discard, msgReader); err != nil {
				f.closeCursor()
				return nil, fmt.Errorf("message %d read: %w", uid, err)
			}
			continue
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			f.closeCursor()
			return nil, fmt.Errorf("message %d read: %w", uid, err)
		}
		return raw, nil
	}
}

func (f *folder) rewind() error {
	f.closeCursor()
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	f.cur = &cursor{file: file, reader: mboxlib.NewReader(file), next: 1}
	return nil
}

func (f *folder) closeCursor() {
	if f.cur != nil {
		_ = f.cur.file.Close()
		f.cur = nil
	}
}

func (f *folder) Close() error {
	f.closeCursor()
	f.envs = nil
	return nil
}
