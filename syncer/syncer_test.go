package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mail-archive/filter"
	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/model"
	"github.com/dhcgn/mail-archive/progress"
	"github.com/dhcgn/mail-archive/remote"
	"github.com/dhcgn/mail-archive/state"
	"github.com/dhcgn/mail-archive/stats"
	"github.com/dhcgn/mail-archive/testutil"
)

var watermark = time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)

var runAt = time.Date(2024, 7, 1, 8, 0, 0, 0, time.Local)

func addMail(t *testing.T, m *remote.Memory, folder, id, subject string, received time.Time) {
	t.Helper()
	mail := testutil.Mail{
		MessageID: id,
		Subject:   subject,
		From:      "sender@example.com",
		To:        "me@example.com",
		Date:      received.Add(-time.Minute),
		Text:      "body of " + subject,
	}
	m.Add(folder, testutil.Envelope(mail, received), testutil.Build(t, mail))
}

func newEngine(t *testing.T, dir string, dialer remote.Dialer, mode Mode, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		ArchiveDir: dir,
		Mode:       mode,
		Now:        func() time.Time { return runAt },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := New(opts, dialer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustRun(t *testing.T, e *Engine) stats.Summary {
	t.Helper()
	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func messageDir(root, folder, id string) string {
	return layout.MessageDir(root, folder, id)
}

func assertArchived(t *testing.T, root, folder, id string, want bool) {
	t.Helper()
	if got := layout.HasRecord(messageDir(root, folder, id)); got != want {
		t.Errorf("%s in %s archived = %v, want %v", id, folder, got, want)
	}
}

func setWatermark(t *testing.T, dir string, at time.Time) {
	t.Helper()
	if err := state.WriteWatermark(dir, at); err != nil {
		t.Fatal(err)
	}
}

func readWatermark(t *testing.T, dir string) (time.Time, bool) {
	t.Helper()
	wm, ok, err := state.ReadWatermark(dir)
	if err != nil {
		t.Fatal(err)
	}
	return wm, ok
}

func TestFullSyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<1@x>", "one", watermark)
	addMail(t, mem, "INBOX", "<2@x>", "two", watermark)
	addMail(t, mem, "Work/Projects", "<3@x>", "three", watermark)

	first := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if first.Downloaded != 3 || first.Folders != 2 || first.Skipped != 0 {
		t.Fatalf("first run = %+v", first)
	}
	assertArchived(t, dir, "Work/Projects", "<3@x>", true)

	second := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if second.Downloaded != 0 || second.Skipped != 3 {
		t.Errorf("second run = %+v", second)
	}
	if n := len(mem.Fetched()); n != 3 {
		t.Errorf("fetched %d messages over two runs, want 3", n)
	}
	if n := testutil.CountMessageDirs(t, dir); n != 3 {
		t.Errorf("archive holds %d messages, want 3", n)
	}
	if wm, ok := readWatermark(t, dir); !ok || !wm.Equal(runAt) {
		t.Errorf("watermark = %v, %v", wm, ok)
	}
}

func TestCrossFolderDedup(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<dup@x>", "dup", watermark)
	addMail(t, mem, "Archive", "<dup@x>", "dup", watermark)

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Downloaded != 1 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	assertArchived(t, dir, "INBOX", "<dup@x>", true)
	assertArchived(t, dir, "Archive", "<dup@x>", false)
}

func TestFullSyncKnowsLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteRecordDir(t, filepath.Join(dir, "INBOX"), model.Record{ID: "<legacy@x>", FolderID: layout.Sanitize("<legacy@x>")}, "old")

	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<legacy@x>", "legacy", watermark)
	addMail(t, mem, "Other", "<legacy@x>", "legacy", watermark)

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Downloaded != 0 || summary.Skipped != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if len(mem.Fetched()) != 0 {
		t.Errorf("fetched %v", mem.Fetched())
	}
}

func TestIncrementalSync(t *testing.T) {
	dir := t.TempDir()
	setWatermark(t, dir, watermark)
	testutil.WriteRecordDir(t, layout.MessagesPath(filepath.Join(dir, "INBOX")),
		model.Record{ID: "<local@x>", FolderID: layout.Sanitize("<local@x>")}, "already here")

	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<old@x>", "old", watermark.Add(-time.Hour))
	addMail(t, mem, "INBOX", "<new@x>", "new", watermark.Add(time.Hour))
	addMail(t, mem, "INBOX", "<edge@x>", "edge", watermark)
	addMail(t, mem, "INBOX", "<local@x>", "local", watermark.Add(2*time.Hour))

	summary := mustRun(t, newEngine(t, dir, mem, ModeIncremental))
	if summary.Downloaded != 2 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if got := strings.Join(mem.Fetched(), ","); got != "<new@x>,<edge@x>" {
		t.Errorf("fetched %s", got)
	}
	assertArchived(t, dir, "INBOX", "<old@x>", false)
	if wm, _ := readWatermark(t, dir); !wm.Equal(runAt) {
		t.Errorf("watermark = %v, want %v", wm, runAt)
	}
}

func TestIncrementalKnowsLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	setWatermark(t, dir, watermark)
	testutil.WriteRecordDir(t, filepath.Join(dir, "INBOX"),
		model.Record{ID: "<legacy@x>", FolderID: layout.Sanitize("<legacy@x>")}, "stored before messages/ existed")

	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<legacy@x>", "legacy", watermark.Add(time.Hour))

	summary := mustRun(t, newEngine(t, dir, mem, ModeIncremental))
	if summary.Downloaded != 0 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(mem.Fetched()) != 0 {
		t.Errorf("fetched %v", mem.Fetched())
	}
	if n := testutil.CountMessageDirs(t, dir); n != 1 {
		t.Errorf("archive holds %d message directories, want 1", n)
	}
}

func TestIncrementalWithoutWatermarkRunsFull(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<1@x>", "one", watermark.AddDate(-5, 0, 0))

	summary := mustRun(t, newEngine(t, dir, mem, ModeIncremental))
	if summary.Downloaded != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if _, ok := readWatermark(t, dir); !ok {
		t.Error("watermark not written")
	}
}

func TestEndToEndScenario(t *testing.T) {
	dir := t.TempDir()
	setWatermark(t, dir, watermark)

	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<1@x>", "A", watermark.Add(time.Hour))
	addMail(t, mem, "INBOX", "<2@x>", "B", watermark.Add(-time.Hour))
	addMail(t, mem, "Archive", "<2@x>", "C", watermark.Add(time.Hour))

	summary := mustRun(t, newEngine(t, dir, mem, ModeIncremental))
	if summary.Downloaded != 2 || summary.Folders != 2 {
		t.Errorf("summary = %+v", summary)
	}
	assertArchived(t, dir, "INBOX", "<1@x>", true)
	assertArchived(t, dir, "INBOX", "<2@x>", false)
	assertArchived(t, dir, "Archive", "<2@x>", true)
	if n := testutil.CountMessageDirs(t, dir); n != 2 {
		t.Errorf("archive holds %d messages, want 2", n)
	}
}

func TestYearSync(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<2019@x>", "2019", time.Date(2019, 12, 31, 23, 0, 0, 0, time.Local))
	addMail(t, mem, "INBOX", "<2020@x>", "2020", time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local))
	addMail(t, mem, "INBOX", "<2021@x>", "2021", time.Date(2021, 5, 5, 10, 0, 0, 0, time.Local))

	e := newEngine(t, dir, mem, ModeYear, func(o *Options) { o.Year = 2020 })
	summary := mustRun(t, e)
	if summary.Downloaded != 2 {
		t.Errorf("summary = %+v", summary)
	}
	assertArchived(t, dir, "INBOX", "<2019@x>", false)
	assertArchived(t, dir, "INBOX", "<2020@x>", true)

	// messages before the year were not candidates
	if _, ok := readWatermark(t, dir); ok {
		t.Error("year sync without previous watermark must not write one")
	}

	if _, err := New(Options{ArchiveDir: dir, Mode: ModeYear}, mem, nil); err == nil {
		t.Error("ModeYear without a year accepted")
	}
}

func TestSynthesizedMessageID(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	sent := time.Date(2024, 2, 3, 4, 5, 6, 0, time.Local)
	for _, body := range []string{"first", "second"} {
		mail := testutil.Mail{Subject: "No id", Date: sent, Text: body}
		mem.Add("INBOX", testutil.Envelope(mail, sent), testutil.Build(t, mail))
	}

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))

	// same folder, second and subject: the synthesized ids collide
	if summary.Downloaded != 1 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	id := layout.DeriveMessageID("", "INBOX", sent, "No id")
	rec, err := layout.ReadRecord(messageDir(dir, "INBOX", id))
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if rec.ID != id {
		t.Errorf("record id = %q, want %q", rec.ID, id)
	}
}

func TestFolderFailureContinues(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "Broken", "<b@x>", "broken", watermark)
	addMail(t, mem, "INBOX", "<ok@x>", "ok", watermark)
	mem.FailFolders = map[string]error{"Broken": errors.New("select failed")}

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Folders != 2 || summary.FoldersFailed != 1 || summary.Downloaded != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(summary.String(), "1 folders failed") {
		t.Errorf("String() = %q", summary.String())
	}
	if _, ok := readWatermark(t, dir); ok {
		t.Error("watermark written despite failed folder")
	}
}

func TestMessageFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<bad@x>", "bad", watermark)
	addMail(t, mem, "INBOX", "<good@x>", "good", watermark)
	mem.FailFetch = map[string]error{"<bad@x>": errors.New("connection reset")}

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Errors != 1 || summary.Downloaded != 1 || summary.FoldersFailed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	assertArchived(t, dir, "INBOX", "<bad@x>", false)
	if _, ok := readWatermark(t, dir); ok {
		t.Error("watermark written despite failed message")
	}

	delete(mem.FailFetch, "<bad@x>")
	summary = mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Downloaded != 1 || summary.Skipped != 1 {
		t.Errorf("retry summary = %+v", summary)
	}
	assertArchived(t, dir, "INBOX", "<bad@x>", true)
}

func TestConnectError(t *testing.T) {
	dir := t.TempDir()
	setWatermark(t, dir, watermark)
	dialer := remote.DialFunc(func(context.Context) (remote.Source, error) {
		return nil, errors.New("authentication failed")
	})

	summary, err := newEngine(t, dir, dialer, ModeIncremental).Run(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if !strings.Contains(summary.String(), "authentication failed") {
		t.Errorf("summary = %q", summary.String())
	}
	if wm, _ := readWatermark(t, dir); !wm.Equal(watermark) {
		t.Errorf("watermark changed to %v", wm)
	}
}

func TestCancellationClosesSession(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	for _, id := range []string{"<1@x>", "<2@x>", "<3@x>"} {
		addMail(t, mem, "INBOX", id, id, watermark)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEngine(t, dir, mem, ModeFull, func(o *Options) {
		o.Observer = func(evt stats.Event) {
			if evt.Type == stats.EventTypeDownloaded {
				cancel()
			}
		}
	})

	summary, err := e.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary.Downloaded != 1 || len(mem.Fetched()) != 1 {
		t.Errorf("downloaded %d, fetched %v", summary.Downloaded, mem.Fetched())
	}
	if dialed, closed := mem.Sessions(); dialed != 1 || closed != 1 {
		t.Errorf("sessions dialed=%d closed=%d", dialed, closed)
	}
	if _, ok := readWatermark(t, dir); ok {
		t.Error("watermark written by cancelled run")
	}
}

func TestArchiveLocked(t *testing.T) {
	dir := t.TempDir()
	lock, err := state.LockArchive(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = newEngine(t, dir, remote.NewMemory('/'), ModeFull).Run(context.Background())
	if !errors.Is(err, state.ErrArchiveBusy) {
		t.Errorf("err = %v, want ErrArchiveBusy", err)
	}
}

func TestPartialDirectoryIsReplaced(t *testing.T) {
	dir := t.TempDir()
	partial := messageDir(dir, "INBOX", "<p@x>")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(partial, layout.TextFile), []byte("trunc"), 0o644); err != nil {
		t.Fatal(err)
	}

	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<p@x>", "partial", watermark)

	summary := mustRun(t, newEngine(t, dir, mem, ModeFull))
	if summary.Downloaded != 1 {
		t.Errorf("summary = %+v", summary)
	}
	text, err := os.ReadFile(filepath.Join(partial, layout.TextFile))
	if err != nil || string(text) != "body of partial" {
		t.Errorf("content.txt = %q, %v", text, err)
	}
}

func TestFilters(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "INBOX", "<keep@x>", "Quarterly numbers", watermark)
	addMail(t, mem, "INBOX", "<spam@x>", "Cheap pills", watermark)
	addMail(t, mem, "Trash", "<trash@x>", "deleted", watermark)

	flt, err := filter.New(filter.Options{
		ExcludeFolder: []string{"^Trash$"},
		ExcludeHeader: []string{"Subject: Cheap"},
	})
	if err != nil {
		t.Fatal(err)
	}
	summary := mustRun(t, newEngine(t, dir, mem, ModeFull, func(o *Options) { o.Filter = flt }))
	if summary.Downloaded != 1 || summary.Filtered != 1 || summary.Folders != 1 {
		t.Errorf("summary = %+v", summary)
	}
	for _, name := range mem.Opened() {
		if name == "Trash" {
			t.Error("excluded folder was opened")
		}
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	for _, mode := range []Mode{ModeFull, ModeIncremental} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			if mode == ModeIncremental {
				setWatermark(t, dir, watermark)
			}
			mem := remote.NewMemory('/')
			addMail(t, mem, "INBOX", "<1@x>", "1", watermark.Add(time.Hour))
			addMail(t, mem, "INBOX", "<2@x>", "2", watermark.Add(time.Hour))
			addMail(t, mem, "Archive", "<3@x>", "3", watermark.Add(time.Hour))

			var percents []int
			rec := progress.Func(func(p int, _ string) { percents = append(percents, p) })
			mustRun(t, newEngine(t, dir, mem, mode, func(o *Options) { o.Progress = rec }))

			if len(percents) < 2 {
				t.Fatalf("only %d progress updates", len(percents))
			}
			for i := 1; i < len(percents); i++ {
				if percents[i] < percents[i-1] {
					t.Errorf("progress decreased: %v", percents)
					break
				}
			}
			for _, p := range percents[:len(percents)-1] {
				if p > progress.Cap {
					t.Errorf("progress %d above cap before finalize", p)
				}
			}
			if last := percents[len(percents)-1]; last != 100 {
				t.Errorf("final progress = %d", last)
			}
		})
	}
}

type slowFolder struct {
	remote.Folder
}

func (slowFolder) Fetch(ctx context.Context, _ model.Envelope) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowSource struct {
	remote.Source
	slow string
}

func (s slowSource) Open(ctx context.Context, name string) (remote.Folder, error) {
	f, err := s.Source.Open(ctx, name)
	if err != nil || name != s.slow {
		return f, err
	}
	return slowFolder{Folder: f}, nil
}

func TestTimeoutFailsFolder(t *testing.T) {
	dir := t.TempDir()
	mem := remote.NewMemory('/')
	addMail(t, mem, "Slow", "<slow@x>", "slow", watermark)
	addMail(t, mem, "INBOX", "<fast@x>", "fast", watermark)
	dialer := remote.DialFunc(func(ctx context.Context) (remote.Source, error) {
		src, err := mem.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return slowSource{Source: src, slow: "Slow"}, nil
	})

	e := newEngine(t, dir, dialer, ModeFull, func(o *Options) { o.Timeout = 20 * time.Millisecond })
	summary := mustRun(t, e)
	if summary.FoldersFailed != 1 || summary.Downloaded != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if !errors.Is(summary.LastError, context.DeadlineExceeded) {
		t.Errorf("LastError = %v", summary.LastError)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"full", ModeFull, true},
		{"", ModeFull, true},
		{"Incremental", ModeIncremental, true},
		{"year", ModeYear, true},
		{"weekly", ModeFull, false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
