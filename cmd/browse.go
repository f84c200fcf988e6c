package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/store"
)

func newBrowseCmd() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "browse [folder [message-number]]",
		Short: "List archived folders, the messages of a folder, or one message",
		Args:  cobra.MaximumNArgs(2),
		RunE:  runBrowse,
	}
	c.Flags().String("search", "", "Regex matched against sender and subject when listing a folder")
	c.Flags().String("save-attachments", "", "Copy the attachments of the shown message into this directory")
	return c, nil
}

func runBrowse(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	search, err := cmd.Flags().GetString("search")
	if err != nil {
		return err
	}
	saveDir, err := cmd.Flags().GetString("save-attachments")
	if err != nil {
		return err
	}

	return withLogger(cfg, func(logger *slog.Logger) error {
		st := store.New(cfg.ArchiveDir, logger)
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			return printFolderTree(out, st.DefaultFolder(), 0)
		}

		folder := st.Folder(args[0])
		if err := folder.Open(store.ReadOnly); err != nil {
			return err
		}
		defer folder.Close()

		if len(args) == 1 {
			return printMessages(out, folder, search)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid message number %q", args[1])
		}
		msg, err := folder.Message(n)
		if err != nil {
			return err
		}
		if err := printMessage(out, msg); err != nil {
			return err
		}
		if saveDir != "" {
			return saveAttachments(out, msg, saveDir)
		}
		return nil
	})
}

func printFolderTree(w io.Writer, f *store.Folder, depth int) error {
	children, err := f.List()
	if err != nil {
		return err
	}
	for _, child := range children {
		count, err := child.MessageCount()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s%s (%d)\n", strings.Repeat("  ", depth), child.Name(), count)
		if err := printFolderTree(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func printMessages(w io.Writer, f *store.Folder, search string) error {
	match := func(*store.Message) bool { return true }
	if search != "" {
		re, err := regexp.Compile(search)
		if err != nil {
			return fmt.Errorf("compile --search: %w", err)
		}
		match = func(m *store.Message) bool {
			return re.MatchString(m.From()) || re.MatchString(m.Subject())
		}
	}
	messages, err := f.Search(match)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"#", "Received", "From", "Subject"}}
	for _, m := range messages {
		data = append(data, []string{
			strconv.Itoa(m.Number()),
			layout.FormatTime(m.ReceivedAt()),
			m.From(),
			m.Subject(),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d messages in %s\n", len(messages), f.FullName())
	return nil
}

func printMessage(w io.Writer, m *store.Message) error {
	for _, field := range []struct{ name, value string }{
		{"Message-Id", m.ID()},
		{"From", m.From()},
		{"Reply-To", m.ReplyTo()},
		{"To", m.To()},
		{"Cc", m.Cc()},
		{"Subject", m.Subject()},
		{"Sent", layout.FormatTime(m.SentAt())},
		{"Received", layout.FormatTime(m.ReceivedAt())},
	} {
		if field.value != "" {
			fmt.Fprintf(w, "%s: %s\n", field.name, field.value)
		}
	}

	text, err := m.Text()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s\n", text)

	names, err := m.Attachments()
	if err != nil {
		return err
	}
	if len(names) > 0 {
		fmt.Fprintf(w, "\nAttachments:\n")
		for _, name := range names {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}

func saveAttachments(w io.Writer, m *store.Message, dir string) error {
	names, err := m.Attachments()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range names {
		if err := copyAttachment(m, name, filepath.Join(dir, name)); err != nil {
			return err
		}
		fmt.Fprintf(w, "saved %s\n", filepath.Join(dir, name))
	}
	return nil
}

func copyAttachment(m *store.Message, name, target string) error {
	src, err := m.OpenAttachment(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return dst.Close()
}
