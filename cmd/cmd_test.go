package cmd

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-archive/credential"
	"github.com/dhcgn/mail-archive/stats"
	"github.com/dhcgn/mail-archive/store"
	"github.com/dhcgn/mail-archive/testutil"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

// execute runs the command tree with args and returns its output. HOME is
// redirected so the user's config file and keyring stay untouched.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root, err := NewRootCommand()
	if err != nil {
		t.Fatalf("NewRootCommand: %v", err)
	}
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(append(args, "--log-level", "error"))
	err = root.Execute()
	return out.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("IMAP_PASS", "")
}

func writeMailboxes(t *testing.T, dir string) {
	t.Helper()
	day := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	first := testutil.Build(t, testutil.Mail{MessageID: "<first@x>", Subject: "First", From: "alice@example.com", Date: day, Text: "hello"})
	second := testutil.Build(t, testutil.Mail{MessageID: "<second@x>", Subject: "Second", From: "bob@example.com", Date: day.Add(time.Hour), Text: "second body"})
	third := testutil.Build(t, testutil.Mail{
		MessageID:   "<third@x>",
		Subject:     "Third",
		From:        "alice@example.com",
		Date:        day.Add(2 * time.Hour),
		Text:        "see attachment",
		Attachments: []testutil.Attachment{{Name: "notes.txt", ContentType: "text/plain", Data: []byte("attached notes")}},
	})
	testutil.WriteMbox(t, filepath.Join(dir, "INBOX.mbox"), day, first, second)
	testutil.WriteMbox(t, filepath.Join(dir, "Archive.mbox"), day, first, third)
}

func TestSyncBrowseStats(t *testing.T) {
	isolate(t)
	mboxDir := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	writeMailboxes(t, mboxDir)

	if _, err := execute(t, nil, "sync", "--mbox", mboxDir, "--archive", archiveDir, "--mode", "full"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	out, err := execute(t, nil, "browse", "--archive", archiveDir)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	// Archive is visited first, so the shared message is stored there
	if !strings.Contains(out, "Archive (2)") || !strings.Contains(out, "INBOX (1)") {
		t.Errorf("folder tree:\n%s", out)
	}

	out, err = execute(t, nil, "browse", "INBOX", "--archive", archiveDir)
	if err != nil {
		t.Fatalf("browse INBOX: %v", err)
	}
	if !strings.Contains(out, "Second") || strings.Contains(out, "First") {
		t.Errorf("INBOX listing:\n%s", out)
	}

	out, err = execute(t, nil, "browse", "Archive", "--search", "^Th", "--archive", archiveDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Third") || strings.Contains(out, "First") || !strings.Contains(out, "1 messages in Archive") {
		t.Errorf("search listing:\n%s", out)
	}

	saveDir := t.TempDir()
	out, err = execute(t, nil, "browse", "Archive", "2", "--save-attachments", saveDir, "--archive", archiveDir)
	if err != nil {
		t.Fatalf("browse message: %v", err)
	}
	if !strings.Contains(out, "Subject: Third") || !strings.Contains(out, "see attachment") || !strings.Contains(out, "notes.txt") {
		t.Errorf("message view:\n%s", out)
	}
	if data, err := os.ReadFile(filepath.Join(saveDir, "notes.txt")); err != nil || string(data) != "attached notes" {
		t.Errorf("saved attachment = %q, %v", data, err)
	}

	reportDir := t.TempDir()
	out, err = execute(t, nil, "stats", "--archive", archiveDir, "--output", reportDir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "3 messages in 2 folders") || !strings.Contains(out, "1. alice@example.com (2)") {
		t.Errorf("stats output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(reportDir, "report_from.csv")); err != nil {
		t.Errorf("CSV report missing: %v", err)
	}

	out, err = execute(t, nil, "sync", "--mbox", mboxDir, "--archive", archiveDir, "--cleanup")
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if !strings.Contains(out, "Checked 3 messages in 2 folders, removed 0 duplicates") {
		t.Errorf("cleanup output:\n%s", out)
	}
}

func TestBrowseErrors(t *testing.T) {
	isolate(t)
	archiveDir := t.TempDir()

	if _, err := execute(t, nil, "browse", "Missing", "--archive", archiveDir); !errors.Is(err, store.ErrNoSuchFolder) {
		t.Errorf("browse Missing err = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(archiveDir, "INBOX"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, nil, "browse", "INBOX", "x", "--archive", archiveDir); err == nil {
		t.Error("non-numeric message number accepted")
	}
	if _, err := execute(t, nil, "browse", "INBOX", "1", "--archive", archiveDir); !errors.Is(err, store.ErrNoSuchMessage) {
		t.Errorf("browse INBOX 1 err = %v", err)
	}
}

func TestSyncRequiresSource(t *testing.T) {
	isolate(t)
	_, err := execute(t, nil, "sync", "--archive", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "--imap-host") {
		t.Errorf("err = %v", err)
	}
}

func TestCredentialSetAndDelete(t *testing.T) {
	isolate(t)
	creds := credential.NewStore(keyring.NewArrayKeyring(nil))
	orig := openCredentials
	openCredentials = func() (*credential.Store, error) { return creds, nil }
	t.Cleanup(func() { openCredentials = orig })

	args := []string{"--imap-host", "mail.example.com", "--imap-user", "alice"}
	out, err := execute(t, strings.NewReader("s3cret\n"), append([]string{"credential", "set", "--password-stdin"}, args...)...)
	if err != nil {
		t.Fatalf("credential set: %v", err)
	}
	if !strings.Contains(out, "alice@mail.example.com") {
		t.Errorf("output = %q", out)
	}
	if pass, err := keyringPassword("alice", "mail.example.com"); err != nil || pass != "s3cret" {
		t.Errorf("keyringPassword() = %q, %v", pass, err)
	}

	if _, err := execute(t, nil, append([]string{"credential", "delete"}, args...)...); err != nil {
		t.Fatalf("credential delete: %v", err)
	}
	if _, err := keyringPassword("alice", "mail.example.com"); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("after delete err = %v", err)
	}

	if _, err := execute(t, strings.NewReader("\n"), append([]string{"credential", "set", "--password-stdin"}, args...)...); err == nil {
		t.Error("empty password accepted")
	}
}

func TestSaveCSVReports(t *testing.T) {
	dir := t.TempDir()
	counters := map[string]stats.Counter{"Reply-To": {"b": 1, "a": 3, "c": 1}}
	if err := saveCSVReports(counters, []string{"Reply-To"}, dir, 2); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "report_reply_to.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "Value,Count\na,3\nb,1\n"
	if string(data) != want {
		t.Errorf("report = %q, want %q", data, want)
	}
}
