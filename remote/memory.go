package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dhcgn/mail-archive/model"
)

// MemoryMessage is a message held by a Memory source.
type MemoryMessage struct {
	Envelope model.Envelope
	Raw      []byte
}

// Memory is an in-process Source, used to archive generated mail and in
// tests. Folders are listed in insertion order.
type Memory struct {
	mu      sync.Mutex
	order   []string
	folders map[string][]MemoryMessage
	delim   rune

	// FailFolders makes Open fail for the named folders.
	FailFolders map[string]error
	// FailFetch makes Fetch fail for the given message ids.
	FailFetch map[string]error

	opened  []string
	fetched []string
	dials   int
	closed  int
}

func NewMemory(delim rune) *Memory {
	return &Memory{folders: make(map[string][]MemoryMessage), delim: delim}
}

// Add appends a message to a folder, creating the folder if needed. A zero
// UID is replaced with the message's position.
func (m *Memory) Add(folder string, env model.Envelope, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folder]; !ok {
		m.order = append(m.order, folder)
	}
	if env.UID == 0 {
		env.UID = uint32(len(m.folders[folder]) + 1)
	}
	if env.Size == 0 {
		env.Size = int64(len(raw))
	}
	m.folders[folder] = append(m.folders[folder], MemoryMessage{Envelope: env, Raw: raw})
}

// Dial implements Dialer.
func (m *Memory) Dial(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()
	return &memorySession{m: m}, nil
}

// Fetched lists the message ids fetched so far, in order.
func (m *Memory) Fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

// Opened lists folder names opened so far, in order.
func (m *Memory) Opened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.opened...)
}

// Sessions reports dialed and closed session counts.
func (m *Memory) Sessions() (dialed, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials, m.closed
}

type memorySession struct {
	m      *Memory
	closed bool
}

func (s *memorySession) Folders(ctx context.Context) ([]model.FolderInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]model.FolderInfo, 0, len(s.m.order))
	for _, name := range s.m.order {
		out = append(out, model.FolderInfo{Name: name, Delim: s.m.delim})
	}
	return out, nil
}

func (s *memorySession) Open(ctx context.Context, name string) (Folder, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.FailFolders[name]; err != nil {
		return nil, err
	}
	msgs, ok := s.m.folders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, name)
	}
	s.m.opened = append(s.m.opened, name)
	return &memoryFolder{s: s, name: name, msgs: append([]MemoryMessage(nil), msgs...)}, nil
}

func (s *memorySession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.m.mu.Lock()
	s.m.closed++
	s.m.mu.Unlock()
	return nil
}

func (s *memorySession) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

type memoryFolder struct {
	s    *memorySession
	name string
	msgs []MemoryMessage
}

func (f *memoryFolder) Name() string {
	return f.name
}

func (f *memoryFolder) Count(ctx context.Context) (int, error) {
	if err := f.s.check(ctx); err != nil {
		return 0, err
	}
	return len(f.msgs), nil
}

func (f *memoryFolder) Messages(ctx context.Context) ([]model.Envelope, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Envelope, 0, len(f.msgs))
	for _, msg := range f.msgs {
		out = append(out, msg.Envelope)
	}
	return out, nil
}

func (f *memoryFolder) SearchSince(ctx context.Context, since time.Time) ([]model.Envelope, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	var out []model.Envelope
	for _, msg := range f.msgs {
		if msg.Envelope.ReceivedAt.IsZero() || !msg.Envelope.ReceivedAt.Before(since) {
			out = append(out, msg.Envelope)
		}
	}
	return out, nil
}

func (f *memoryFolder) Fetch(ctx context.Context, env model.Envelope) ([]byte, error) {
	if err := f.s.check(ctx); err != nil {
		return nil, err
	}
	f.s.m.mu.Lock()
	defer f.s.m.mu.Unlock()
	if err := f.s.m.FailFetch[env.MessageID]; err != nil {
		return nil, err
	}
	for _, msg := range f.msgs {
		if msg.Envelope.UID == env.UID {
			f.s.m.fetched = append(f.s.m.fetched, env.MessageID)
			return msg.Raw, nil
		}
	}
	return nil, fmt.Errorf("%w: uid %d in %s", ErrMessageNotFound, env.UID, f.name)
}

func (f *memoryFolder) Close() error {
	return nil
}
