// Package imap reads mail from an IMAP server through go-imap v2. Folders
// are always selected read-only.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/model"
	"github.com/dhcgn/mail-archive/remote"
)

// fetchBatch bounds the number of UIDs requested per FETCH command.
const fetchBatch = 500

var ErrLogin = errors.New("imap login failed")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// DialTimeout bounds connection setup. Zero means no limit beyond ctx.
	DialTimeout time.Duration
}

// Dialer connects to one IMAP account.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

func NewDialer(opts Options, logger *slog.Logger) (*Dialer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dialer{opts: opts, logger: logger}, nil
}

// Dial implements remote.Dialer.
func (d *Dialer) Dial(ctx context.Context) (remote.Source, error) {
	s := &session{d: d}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dialer) address() string {
	return net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
}

func (d *Dialer) dial(ctx context.Context) (*imapclient.Client, error) {
	if d.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.DialTimeout)
		defer cancel()
	}

	address := d.address()
	options := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	var (
		conn net.Conn
		err  error
	)
	if d.opts.UseTLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			ServerName:         d.opts.Host,
			InsecureSkipVerify: d.opts.InsecureSkipVerify,
		}}
		conn, err = dialer.DialContext(ctx, "tcp", address)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, options)
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	if err := client.Login(d.opts.Username, d.opts.Password).Wait(); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrLogin, err)
	}

	d.logger.Debug("imap connection established", "address", address, "user", d.opts.Username, "tls", d.opts.UseTLS)
	return client, nil
}

// session is one logged-in connection. A call interrupted by its context
// closes the connection; folders opened on it then report remote.ErrClosed
// and the next Open dials again.
type session struct {
	d        *Dialer
	client   *imapclient.Client
	gen      int
	selected string
	closed   bool
}

func (s *session) connect(ctx context.Context) error {
	client, err := s.d.dial(ctx)
	if err != nil {
		return err
	}
	s.client = client
	s.gen++
	s.selected = ""
	return nil
}

// do runs fn against the live connection, closing it when ctx ends first.
func (s *session) do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed || s.client == nil {
		return remote.ErrClosed
	}
	c := s.client
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	err := fn(c)
	if !stop() {
		s.drop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (s *session) drop() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.selected = ""
	s.d.logger.Debug("imap connection dropped", "address", s.d.address())
}

func (s *session) Folders(ctx context.Context) ([]model.FolderInfo, error) {
	var boxes []*imapv2.ListData
	err := s.do(ctx, func(c *imapclient.Client) error {
		var err error
		boxes, err = c.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	out := make([]model.FolderInfo, 0, len(boxes))
	for _, box := range boxes {
		if !selectable(box.Attrs) {
			continue
		}
		out = append(out, model.FolderInfo{Name: box.Mailbox, Delim: box.Delim})
	}
	return out, nil
}

func selectable(attrs []imapv2.MailboxAttr) bool {
	for _, a := range attrs {
		if a == imapv2.MailboxAttrNoSelect || a == imapv2.MailboxAttrNonExistent {
			return false
		}
	}
	return true
}

func (s *session) Open(ctx context.Context, name string) (remote.Folder, error) {
	if s.closed {
		return nil, remote.ErrClosed
	}
	if s.client == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	var data *imapv2.SelectData
	err := s.do(ctx, func(c *imapclient.Client) error {
		var err error
		data, err = c.Select(name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeNonExistent {
			return nil, fmt.Errorf("%w: %s", remote.ErrFolderNotFound, name)
		}
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	s.selected = name
	return &folder{s: s, gen: s.gen, name: name, count: int(data.NumMessages)}, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil
	if err := c.Logout().Wait(); err != nil {
		s.d.logger.Warn("imap logout failed", "err", err)
	}
	return c.Close()
}

type folder struct {
	s     *session
	gen   int
	name  string
	count int
}

func (f *folder) Name() string {
	return f.name
}

// do runs fn while f is still the selected folder of a live connection.
func (f *folder) do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	if f.s.gen != f.gen || f.s.selected != f.name {
		return remote.ErrClosed
	}
	return f.s.do(ctx, fn)
}

func (f *folder) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.count, nil
}

func (f *folder) Messages(ctx context.Context) ([]model.Envelope, error) {
	return f.search(ctx, &imapv2.SearchCriteria{})
}

func (f *folder) SearchSince(ctx context.Context, since time.Time) ([]model.Envelope, error) {
	return f.search(ctx, &imapv2.SearchCriteria{Since: since})
}

func (f *folder) search(ctx context.Context, criteria *imapv2.SearchCriteria) ([]model.Envelope, error) {
	var uids []imapv2.UID
	err := f.do(ctx, func(c *imapclient.Client) error {
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", f.name, err)
	}

	out := make([]model.Envelope, 0, len(uids))
	for start := 0; start < len(uids); start += fetchBatch {
		end := min(start+fetchBatch, len(uids))
		var bufs []*imapclient.FetchMessageBuffer
		err := f.do(ctx, func(c *imapclient.Client) error {
			var err error
			bufs, err = c.Fetch(imapv2.UIDSetNum(uids[start:end]...), &imapv2.FetchOptions{
				UID:          true,
				Envelope:     true,
				InternalDate: true,
				RFC822Size:   true,
			}).Collect()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch envelopes %s: %w", f.name, err)
		}
		for _, buf := range bufs {
			out = append(out, envelopeFromBuffer(buf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *folder) Fetch(ctx context.Context, env model.Envelope) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	var raw []byte
	err := f.do(ctx, func(c *imapclient.Client) error {
		bufs, err := c.Fetch(imapv2.UIDSetNum(imapv2.UID(env.UID)), &imapv2.FetchOptions{
			UID:         true,
			BodySection: []*imapv2.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}
		for _, buf := range bufs {
			if uint32(buf.UID) == env.UID {
				raw = buf.FindBodySection(section)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d in %s: %w", env.UID, f.name, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: uid %d in %s", remote.ErrMessageNotFound, env.UID, f.name)
	}
	return raw, nil
}

// Close keeps the connection; the next Open selects over it.
func (f *folder) Close() error {
	return nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) model.Envelope {
	env := model.Envelope{
		UID:        uint32(buf.UID),
		ReceivedAt: buf.InternalDate,
		Size:       buf.RFC822Size,
	}
	if e := buf.Envelope; e != nil {
		env.MessageID = normalizeMessageID(e.MessageID)
		env.Subject = e.Subject
		env.From = formatAddresses(e.From)
		env.ReplyTo = formatAddresses(e.ReplyTo)
		env.To = formatAddresses(e.To)
		env.Cc = formatAddresses(e.Cc)
		env.SentAt = e.Date
	}
	return env
}

// normalizeMessageID returns id in angle brackets, or "" when id is blank.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

func formatAddresses(addrs []imapv2.Address) string {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		addr := a.Addr()
		if addr == "" {
			continue
		}
		list = append(list, &mail.Address{Name: a.Name, Address: addr})
	}
	return archive.FormatAddresses(list)
}
