package state

import (
	"sync"
)

// Tracker answers whether a message identifier is already archived.
type Tracker interface {
	Known(ids ...string) bool
	Add(ids ...string)
	Snapshot() Snapshot
}

type Snapshot struct {
	Known int
}

// Index is the in-memory dedup index of a single sync run.
type Index struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewIndex() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Known reports whether any of the non-empty ids is in the index.
func (i *Index) Known(ids ...string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := i.seen[id]; ok {
			return true
		}
	}
	return false
}

// Add records every non-empty id.
func (i *Index) Add(ids ...string) {
	i.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		i.seen[id] = struct{}{}
	}
	i.mu.Unlock()
}

func (i *Index) Snapshot() Snapshot {
	i.mu.RLock()
	count := len(i.seen)
	i.mu.RUnlock()
	return Snapshot{Known: count}
}
