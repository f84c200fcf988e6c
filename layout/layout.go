// Package layout holds the naming and path rules of the on-disk archive.
// The sync writer, the store reader and the maintainer all derive paths
// through this package and nothing else.
package layout

import (
	"fmt"
	"hash/fnv"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MessagesDir    = "messages"
	AttachmentsDir = "attachments"
	PropertiesFile = "message.properties"
	TextFile       = "content.txt"
	HTMLFile       = "content.html"
	LastSyncFile   = ".lastSync"
	LockFile       = ".lock"

	// TimeFormat is yyyy-MM-dd HH:mm:ss.
	TimeFormat = "2006-01-02 15:04:05"

	maxNameRunes = 100
	maxNameBytes = 200
	fallbackName = "unnamed"
)

var reservedDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Sanitize turns arbitrary header text into a single path segment. It never
// fails and Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	var prev rune
	for i, w := 0, 0; i < len(raw); i += w {
		r, size := utf8.DecodeRuneInString(raw[i:])
		w = size
		switch {
		case r == utf8.RuneError && size == 1:
			r = '_'
		case isIllegal(r):
			r = '_'
		case unicode.IsSpace(r):
			r = ' '
		}
		if (r == '_' || r == ' ') && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}

	name := trimName(b.String())
	name = truncate(name)
	name = trimName(name)

	if name == "" {
		return fallbackName
	}
	if _, reserved := reservedDeviceNames[strings.ToUpper(name)]; reserved {
		name += "_"
	}
	return name
}

func isIllegal(r rune) bool {
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return unicode.IsControl(r)
}

func trimName(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})
}

func truncate(s string) string {
	runes := 0
	for i, r := range s {
		if runes == maxNameRunes || i+utf8.RuneLen(r) > maxNameBytes {
			return s[:i]
		}
		runes++
	}
	return s
}

// FolderPath maps a remote folder name onto a slash separated relative path,
// one sanitized segment per hierarchy level.
func FolderPath(name string, delim rune) string {
	var segments []string
	if delim == 0 {
		segments = []string{name}
	} else {
		segments = strings.Split(name, string(delim))
	}

	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		out = append(out, segmentName(seg))
	}
	if len(out) == 0 {
		out = append(out, fallbackName)
	}
	return path.Join(out...)
}

// CleanFolderPath sanitizes every segment of a slash separated folder path.
// Already sanitized paths are returned unchanged.
func CleanFolderPath(p string) string {
	if strings.Trim(p, "/") == "" {
		return ""
	}
	return FolderPath(p, '/')
}

func segmentName(seg string) string {
	name := Sanitize(seg)
	if name == MessagesDir {
		return "_" + name
	}
	return name
}

// FolderDir returns the directory of a folder record.
func FolderDir(root, folderPath string) string {
	if folderPath == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(folderPath))
}

// MessagesPath returns the current-layout message container of a folder.
func MessagesPath(folderDir string) string {
	return filepath.Join(folderDir, MessagesDir)
}

// MessageDir returns the directory a message with the given id is stored in.
func MessageDir(root, folderPath, id string) string {
	return filepath.Join(MessagesPath(FolderDir(root, folderPath)), Sanitize(id))
}

// LegacyMessageDir returns where the legacy layout stored a message: directly
// inside its folder directory.
func LegacyMessageDir(root, folderPath, id string) string {
	return filepath.Join(FolderDir(root, folderPath), Sanitize(id))
}

// DeriveMessageID prefers the Message-ID header. Without one it synthesizes
// folder + sent timestamp + subject hash, which can collide for messages sent
// within the same second whose subjects hash alike.
func DeriveMessageID(headerID, folder string, sent time.Time, subject string) string {
	if id := strings.TrimSpace(headerID); id != "" {
		return id
	}
	return fmt.Sprintf("%s_%s_%08x", folder, formatCompact(sent), subjectHash(subject))
}

func formatCompact(t time.Time) string {
	if t.IsZero() {
		return "00000000000000"
	}
	return t.Format("20060102150405")
}

func subjectHash(subject string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return h.Sum32()
}

// FormatTime renders t in TimeFormat using local time. The zero time renders
// as an empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(TimeFormat)
}

// ParseTime parses a TimeFormat value in local time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeFormat, s, time.Local)
}
