package model

import "time"

// Envelope describes a remote message before its content is fetched.
type Envelope struct {
	// UID identifies the message inside its remote folder.
	UID        uint32
	MessageID  string
	Subject    string
	From       string
	ReplyTo    string
	To         string
	Cc         string
	SentAt     time.Time
	ReceivedAt time.Time
	Size       int64
}

// FolderInfo describes a remote folder as returned by a folder listing.
type FolderInfo struct {
	Name  string
	Delim rune
}

// Record is the metadata persisted in message.properties.
type Record struct {
	ID         string
	FolderID   string
	Subject    string
	From       string
	ReplyTo    string
	To         string
	Cc         string
	SentAt     time.Time
	ReceivedAt time.Time
	Size       int64
}

// CanonicalID returns the identifier used for uniqueness checks. fallback is
// used when the record carries no id at all.
func (r Record) CanonicalID(sanitize func(string) string, fallback string) string {
	if r.FolderID != "" {
		return r.FolderID
	}
	if r.ID != "" {
		return sanitize(r.ID)
	}
	return fallback
}
