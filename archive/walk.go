// Package archive reads and writes the on-disk archive structure shared by
// the sync engine, the store and the maintainer.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/mail-archive/layout"
)

// FolderDir is a folder record found on disk.
type FolderDir struct {
	// Path is the absolute directory.
	Path string
	// Rel is the slash separated path relative to the archive root.
	Rel string
}

// MessageDir is a message record directory.
type MessageDir struct {
	Path string
	Name string
	// Legacy is true for directories stored directly in the folder.
	Legacy bool
	// Complete is true when message.properties is present.
	Complete bool
}

// Folders lists every folder under root, children before their parents.
// The root itself is not included. A missing root yields no folders.
func Folders(root string) ([]FolderDir, error) {
	var out []FolderDir
	if err := collectFolders(root, "", &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func collectFolders(dir, rel string, out *[]FolderDir) error {
	children, err := ChildFolders(dir)
	if err != nil {
		return err
	}
	for _, name := range children {
		childRel := path.Join(rel, name)
		childDir := filepath.Join(dir, name)
		if err := collectFolders(childDir, childRel, out); err != nil {
			return err
		}
		*out = append(*out, FolderDir{Path: childDir, Rel: childRel})
	}
	return nil
}

// ChildFolders lists the names of the direct subfolders of a folder
// directory, sorted. The messages container, message directories and hidden
// entries are not folders.
func ChildFolders(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == layout.MessagesDir || strings.HasPrefix(name, ".") {
			continue
		}
		if layout.HasRecord(filepath.Join(dir, name)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MessageDirs lists the message directories of a folder: everything inside
// messages/ plus legacy directories holding message.properties directly in
// the folder. Current-layout entries come first, each group sorted by name.
func MessageDirs(folderDir string) ([]MessageDir, error) {
	current, err := readMessagesContainer(layout.MessagesPath(folderDir))
	if err != nil {
		return nil, err
	}
	legacy, err := LegacyMessageDirs(folderDir)
	if err != nil {
		return nil, err
	}
	return append(current, legacy...), nil
}

func readMessagesContainer(dir string) ([]MessageDir, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []MessageDir
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		out = append(out, MessageDir{Path: p, Name: entry.Name(), Complete: layout.HasRecord(p)})
	}
	return out, nil
}

// LegacyMessageDirs lists message directories stored directly in a folder.
func LegacyMessageDirs(folderDir string) ([]MessageDir, error) {
	entries, err := os.ReadDir(folderDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", folderDir, err)
	}
	var out []MessageDir
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == layout.MessagesDir || strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(folderDir, name)
		if layout.HasRecord(p) {
			out = append(out, MessageDir{Path: p, Name: name, Legacy: true, Complete: true})
		}
	}
	return out, nil
}

// IsEmptyDir reports whether dir has no entries.
func IsEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// DirSize sums the sizes of the regular files below dir.
func DirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
