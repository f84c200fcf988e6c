package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mail-archive/layout"
)

// ReadWatermark returns the timestamp stored in <archive>/.lastSync. ok is
// false when no sync has completed yet.
func ReadWatermark(archiveDir string) (t time.Time, ok bool, err error) {
	file, err := os.Open(filepath.Join(archiveDir, layout.LastSyncFile))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("open %s: %w", layout.LastSyncFile, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return time.Time{}, false, fmt.Errorf("read %s: %w", layout.LastSyncFile, err)
		}
		return time.Time{}, false, nil
	}

	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return time.Time{}, false, nil
	}
	t, err = layout.ParseTime(line)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", layout.LastSyncFile, err)
	}
	return t, true, nil
}

// WriteWatermark replaces <archive>/.lastSync with t.
func WriteWatermark(archiveDir string, t time.Time) error {
	path := filepath.Join(archiveDir, layout.LastSyncFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(layout.FormatTime(t)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", layout.LastSyncFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", layout.LastSyncFile, err)
	}
	return nil
}
