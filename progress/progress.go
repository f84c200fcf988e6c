package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-archive/stats"
)

// Cap is the highest percentage reported before a run finalizes.
const Cap = 95

// Reporter receives progress updates on the calling goroutine.
type Reporter interface {
	Update(percent int, message string)
}

// Func adapts a function to Reporter.
type Func func(percent int, message string)

func (f Func) Update(percent int, message string) { f(percent, message) }

// Discard drops every update.
var Discard Reporter = Func(func(int, string) {})

// Tracker keeps reported percentages non-decreasing and at most Cap until
// Finalize reports 100.
type Tracker struct {
	mu       sync.Mutex
	reporter Reporter
	last     int
	done     bool
}

func NewTracker(r Reporter) *Tracker {
	if r == nil {
		r = Discard
	}
	return &Tracker{reporter: r}
}

func (t *Tracker) Update(percent int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if percent > Cap {
		percent = Cap
	}
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	t.reporter.Update(percent, message)
}

// Fraction reports done/total scaled to Cap.
func (t *Tracker) Fraction(done, total int, message string) {
	if total <= 0 {
		t.Update(0, message)
		return
	}
	t.Update(Cap*done/total, message)
}

// Finalize reports 100 percent. Later updates are ignored.
func (t *Tracker) Finalize(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.last = 100
	t.reporter.Update(100, message)
}

// Percent returns the last reported percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// New returns a terminal progress bar when logLevel is "info" and a
// logging reporter otherwise.
func New(title, logLevel string, logger *slog.Logger) Reporter {
	if logLevel == "info" {
		return NewBar(title)
	}
	return NewLog(logger)
}

// Bar renders progress as a pterm progress bar.
type Bar struct {
	mu      sync.Mutex
	title   string
	pb      *pterm.ProgressbarPrinter
	started time.Time
}

func NewBar(title string) *Bar {
	return &Bar{title: title, started: time.Now()}
}

func (b *Bar) Update(percent int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(100).
			WithTitle(b.title).
			Start()
		if err != nil {
			return
		}
		b.pb = pb
	}

	if message != "" {
		b.pb.UpdateTitle(truncate(message, 40))
	}
	if delta := percent - b.pb.Current; delta > 0 {
		b.pb.Add(delta)
	}
	if percent >= 100 {
		_, _ = b.pb.Stop()
		b.pb = nil
	}
}

// Observe prints errors above the bar.
func (b *Bar) Observe(evt stats.Event) {
	if evt.Type != stats.EventTypeError && evt.Type != stats.EventTypeFolderFailed {
		return
	}
	if evt.Err == nil {
		return
	}
	if evt.Folder != "" {
		pterm.Error.Printf("%s: %v\n", evt.Folder, evt.Err)
		return
	}
	pterm.Error.Printf("Error: %v\n", evt.Err)
}

// PrintSummary prints the final statistics of a sync run.
func (b *Bar) PrintSummary(summary stats.Summary) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(b.started).Round(time.Millisecond))
	pterm.Info.Printf("Folders: %d (%d failed)\n", summary.Folders, summary.FoldersFailed)
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Downloaded: %d\n", summary.Downloaded)
	pterm.Info.Printf("Skipped (already archived): %d\n", summary.Skipped)
	if summary.Filtered > 0 {
		pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	}
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

// Log reports progress through a logger whenever the percentage changes.
type Log struct {
	mu     sync.Mutex
	logger *slog.Logger
	last   int
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, last: -1}
}

func (l *Log) Update(percent int, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if percent == l.last {
		return
	}
	l.last = percent
	l.logger.Info("progress", "percent", percent, "status", message)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
