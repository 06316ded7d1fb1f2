package tabs

import (
	"sync"
	"time"
)

type tabTimes struct {
	createdAt    time.Time
	lastAccessed time.Time
}

// Tracker remembers when each tab was first sighted and last activated.
// Browsers do not report creation time, so the engine keeps its own ledger
// from driver events. Single writer: the orchestrator.
type Tracker struct {
	mu   sync.RWMutex
	seen map[int]*tabTimes
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[int]*tabTimes)}
}

// Sighted records a tab's first appearance (creation event or startup
// enumeration). Repeat sightings keep the original creation time.
func (tr *Tracker) Sighted(id int, at time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.seen[id]; ok {
		return
	}
	tr.seen[id] = &tabTimes{createdAt: at, lastAccessed: at}
}

// Activated updates the last-access time for a tab, sighting it first if
// the creation event was missed.
func (tr *Tracker) Activated(id int, at time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tt, ok := tr.seen[id]
	if !ok {
		tr.seen[id] = &tabTimes{createdAt: at, lastAccessed: at}
		return
	}
	tt.lastAccessed = at
}

// Removed drops a closed tab from the ledger.
func (tr *Tracker) Removed(id int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.seen, id)
}

// Len reports how many tabs are tracked.
func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.seen)
}

// Stamp fills CreatedAt/LastAccessed on a snapshot from the ledger wherever
// the driver left them zero, sighting unknown tabs as of now. Returns the
// same slice for convenience.
func (tr *Tracker) Stamp(snapshot []Tab, now time.Time) []Tab {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := range snapshot {
		t := &snapshot[i]
		tt, ok := tr.seen[t.ID]
		if !ok {
			tt = &tabTimes{createdAt: now, lastAccessed: now}
			if !t.CreatedAt.IsZero() {
				tt.createdAt = t.CreatedAt
			}
			if !t.LastAccessed.IsZero() {
				tt.lastAccessed = t.LastAccessed
			}
			tr.seen[t.ID] = tt
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = tt.createdAt
		}
		if t.LastAccessed.IsZero() {
			t.LastAccessed = tt.lastAccessed
		}
	}
	return snapshot
}
