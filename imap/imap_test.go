package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-archive/remote"
)

func TestNewDialerValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{Host: "mail.example.com", Port: 993}, false},
		{"missing host", Options{Port: 993}, true},
		{"zero port", Options{Host: "mail.example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDialer(tt.opts, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDialer() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeMessageID(t *testing.T) {
	tests := map[string]string{
		"abc@example.com":      "<abc@example.com>",
		"<abc@example.com>":    "<abc@example.com>",
		"  <abc@example.com> ": "<abc@example.com>",
		"":                     "",
		"<>":                   "",
	}
	for in, want := range tests {
		if got := normalizeMessageID(in); got != want {
			t.Errorf("normalizeMessageID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatAddresses(t *testing.T) {
	addrs := []imapv2.Address{
		{Name: "Alice", Mailbox: "alice", Host: "example.com"},
		{Mailbox: "team"},
		{Mailbox: "bob", Host: "example.com"},
		{},
	}
	want := "Alice <alice@example.com>, bob@example.com"
	if got := formatAddresses(addrs); got != want {
		t.Errorf("formatAddresses() = %q, want %q", got, want)
	}
	if got := formatAddresses(nil); got != "" {
		t.Errorf("formatAddresses(nil) = %q", got)
	}
}

func TestSelectable(t *testing.T) {
	if !selectable(nil) {
		t.Error("mailbox without attributes should be selectable")
	}
	if !selectable([]imapv2.MailboxAttr{imapv2.MailboxAttrHasChildren}) {
		t.Error("parent mailbox should be selectable")
	}
	if selectable([]imapv2.MailboxAttr{imapv2.MailboxAttrNoSelect}) {
		t.Error(`\Noselect mailbox reported selectable`)
	}
}

func TestEnvelopeFromBuffer(t *testing.T) {
	sent := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	received := sent.Add(time.Minute)
	buf := &imapclient.FetchMessageBuffer{
		UID:          42,
		InternalDate: received,
		RFC822Size:   1234,
		Envelope: &imapv2.Envelope{
			Date:      sent,
			Subject:   "Hello",
			MessageID: "m1@example.com",
			From:      []imapv2.Address{{Name: "Alice", Mailbox: "alice", Host: "example.com"}},
			To:        []imapv2.Address{{Mailbox: "bob", Host: "example.com"}},
		},
	}

	env := envelopeFromBuffer(buf)
	if env.UID != 42 || env.Size != 1234 || env.MessageID != "<m1@example.com>" {
		t.Errorf("envelope = %+v", env)
	}
	if !env.SentAt.Equal(sent) || !env.ReceivedAt.Equal(received) {
		t.Errorf("dates = %v / %v", env.SentAt, env.ReceivedAt)
	}
	if env.From != "Alice <alice@example.com>" || env.To != "bob@example.com" || env.Cc != "" {
		t.Errorf("addresses = %q %q %q", env.From, env.To, env.Cc)
	}

	bare := envelopeFromBuffer(&imapclient.FetchMessageBuffer{UID: 7})
	if bare.UID != 7 || bare.MessageID != "" {
		t.Errorf("bare envelope = %+v", bare)
	}
}

func TestStaleFolderReportsClosed(t *testing.T) {
	d, err := NewDialer(Options{Host: "localhost", Port: 143}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &session{d: d, gen: 2, selected: "INBOX"}
	ctx := context.Background()

	tests := []struct {
		name string
		f    *folder
	}{
		{"reconnected since open", &folder{s: s, gen: 1, name: "INBOX"}},
		{"another folder selected", &folder{s: s, gen: 2, name: "Archive"}},
		{"connection dropped", &folder{s: s, gen: 2, name: "INBOX"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.f.Messages(ctx); !errors.Is(err, remote.ErrClosed) {
				t.Errorf("Messages() err = %v, want ErrClosed", err)
			}
		})
	}

	s.closed = true
	if _, err := s.Open(ctx, "INBOX"); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("Open() on closed session err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestCountHonoursContext(t *testing.T) {
	f := &folder{name: "INBOX", count: 3}
	if n, err := f.Count(context.Background()); err != nil || n != 3 {
		t.Errorf("Count() = %d, %v", n, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Count(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Count() err = %v", err)
	}
}
