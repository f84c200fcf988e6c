// Package remote defines the minimal mail-server capability the sync engine
// consumes: connect, list folders, date-filtered search and message fetch.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/dhcgn/mail-archive/model"
)

var (
	ErrFolderNotFound  = errors.New("remote folder not found")
	ErrMessageNotFound = errors.New("remote message not found")
	ErrClosed          = errors.New("remote session closed")
)

// Dialer opens one remote session per run.
type Dialer interface {
	Dial(ctx context.Context) (Source, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Source, error)

func (f DialFunc) Dial(ctx context.Context) (Source, error) {
	return f(ctx)
}

// Source is a connected remote session.
type Source interface {
	Folders(ctx context.Context) ([]model.FolderInfo, error)
	// Open selects a folder read-only.
	Open(ctx context.Context, name string) (Folder, error)
	Close() error
}

// Folder is an open remote folder.
type Folder interface {
	Name() string
	Count(ctx context.Context) (int, error)
	Messages(ctx context.Context) ([]model.Envelope, error)
	// SearchSince returns messages received on or after since. Servers may
	// apply a coarser (day) granularity, callers refine the result. Messages
	// without a receive time are always included.
	SearchSince(ctx context.Context, since time.Time) ([]model.Envelope, error)
	// Fetch returns the full RFC 5322 message.
	Fetch(ctx context.Context, env model.Envelope) ([]byte, error)
	Close() error
}
