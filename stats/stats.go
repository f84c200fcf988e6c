package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type Stage string

const (
	StageSync    Stage = "sync"
	StageCleanup Stage = "cleanup"
)

type EventType string

const (
	EventTypeFolderDone   EventType = "folder_done"
	EventTypeFolderFailed EventType = "folder_failed"
	EventTypeScanned      EventType = "scanned"
	EventTypeDownloaded   EventType = "downloaded"
	EventTypeSkipped      EventType = "skipped"
	EventTypeFiltered     EventType = "filtered"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	Folder    string
	MessageID string
	Err       error
	Detail    string
}

// Summary is the outcome of a sync run.
type Summary struct {
	RunID         string
	Folders       int
	FoldersFailed int
	Scanned       int
	Downloaded    int
	Skipped       int
	Filtered      int
	Errors        int
	LastError     error
	Duration      time.Duration
	// Message is set when the run was aborted.
	Message string
}

// String renders the human-readable run summary.
func (s Summary) String() string {
	if s.Message != "" {
		return s.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d folders, downloaded %d messages, skipped %d", s.Folders, s.Downloaded, s.Skipped)
	if s.Filtered > 0 {
		fmt.Fprintf(&b, ", filtered %d", s.Filtered)
	}
	if s.FoldersFailed > 0 || s.Errors > 0 {
		fmt.Fprintf(&b, " (%d folders failed, %d message errors)", s.FoldersFailed, s.Errors)
	}
	return b.String()
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"folders", s.Folders,
		"foldersFailed", s.FoldersFailed,
		"scanned", s.Scanned,
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"filtered", s.Filtered,
		"errors", s.Errors,
	}
	if s.RunID != "" {
		attrs = append(attrs, "run", s.RunID)
	}
	if s.Duration > 0 {
		attrs = append(attrs, "duration", s.Duration)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector counts events into a Summary and forwards each event to its
// observers on the calling goroutine.
type Collector struct {
	mu        sync.Mutex
	summary   Summary
	observers []func(Event)
}

func NewCollector() *Collector {
	return &Collector{}
}

// Observe registers fn to be called for every recorded event.
func (c *Collector) Observe(fn func(Event)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	c.apply(evt)
	observers := c.observers
	c.mu.Unlock()

	for _, fn := range observers {
		fn(evt)
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	switch evt.Type {
	case EventTypeFolderDone:
		c.summary.Folders++
	case EventTypeFolderFailed:
		c.summary.Folders++
		c.summary.FoldersFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeDownloaded:
		c.summary.Downloaded++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// Counter tallies string keys, e.g. senders per archive.
type Counter map[string]int

func (c Counter) Add(key string) {
	if key == "" {
		return
	}
	c[key]++
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
