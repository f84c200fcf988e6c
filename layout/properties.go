package layout

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/magiconair/properties"

	"github.com/dhcgn/mail-archive/model"
)

// Keys of message.properties.
const (
	KeyID           = "message.id"
	KeyFolderID     = "message.id.folder"
	KeySubject      = "subject"
	KeyFrom         = "from"
	KeyReplyTo      = "reply.to"
	KeyTo           = "to"
	KeyCc           = "cc"
	KeySentDate     = "sent.date"
	KeyReceivedDate = "received.date"
	KeySize         = "size.bytes"
)

var loader = properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}

// HasRecord reports whether dir holds a message.properties file.
func HasRecord(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, PropertiesFile))
	return err == nil && info.Mode().IsRegular()
}

// ReadRecord loads message.properties from a message directory. Unparseable
// dates are reported as errors, absent ones are left zero.
func ReadRecord(dir string) (model.Record, error) {
	p, err := loader.LoadFile(filepath.Join(dir, PropertiesFile))
	if err != nil {
		return model.Record{}, fmt.Errorf("read %s: %w", PropertiesFile, err)
	}

	rec := model.Record{
		ID:       p.GetString(KeyID, ""),
		FolderID: p.GetString(KeyFolderID, ""),
		Subject:  p.GetString(KeySubject, ""),
		From:     p.GetString(KeyFrom, ""),
		ReplyTo:  p.GetString(KeyReplyTo, ""),
		To:       p.GetString(KeyTo, ""),
		Cc:       p.GetString(KeyCc, ""),
	}

	if rec.SentAt, err = ParseTime(p.GetString(KeySentDate, "")); err != nil {
		return model.Record{}, fmt.Errorf("parse %s: %w", KeySentDate, err)
	}
	if rec.ReceivedAt, err = ParseTime(p.GetString(KeyReceivedDate, "")); err != nil {
		return model.Record{}, fmt.Errorf("parse %s: %w", KeyReceivedDate, err)
	}
	if v, ok := p.Get(KeySize); ok && v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.Record{}, fmt.Errorf("parse %s: %w", KeySize, err)
		}
		rec.Size = size
	}

	return rec, nil
}

// WriteRecord stores rec as message.properties in dir. The file is written
// to a temporary name first and renamed into place, so a present
// message.properties is always complete.
func WriteRecord(dir string, rec model.Record) error {
	p := properties.NewProperties()
	p.DisableExpansion = true

	set := func(key, value string) error {
		if value == "" {
			return nil
		}
		if _, _, err := p.Set(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	}

	pairs := []struct{ key, value string }{
		{KeyID, rec.ID},
		{KeyFolderID, rec.FolderID},
		{KeySubject, rec.Subject},
		{KeyFrom, rec.From},
		{KeyReplyTo, rec.ReplyTo},
		{KeyTo, rec.To},
		{KeyCc, rec.Cc},
		{KeySentDate, FormatTime(rec.SentAt)},
		{KeyReceivedDate, FormatTime(rec.ReceivedAt)},
		{KeySize, strconv.FormatInt(rec.Size, 10)},
	}
	for _, kv := range pairs {
		if err := set(kv.key, kv.value); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return fmt.Errorf("encode %s: %w", PropertiesFile, err)
	}

	tmp := filepath.Join(dir, "."+PropertiesFile+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", PropertiesFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, PropertiesFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", PropertiesFile, err)
	}
	return nil
}
