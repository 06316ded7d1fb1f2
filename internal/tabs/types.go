// Package tabs holds the engine's tab/window read model and the index
// builder that enriches a raw snapshot with derived fields before rule
// evaluation.
package tabs

import "time"

// GroupNone is the sentinel group id for an ungrouped tab.
const GroupNone = -1

// Tab is the projection of a browser tab the engine reads. The driver owns
// the authoritative state; the engine never mutates a Tab in place.
type Tab struct {
	ID           int       `json:"id"`
	WindowID     int       `json:"windowId"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	FavIconURL   string    `json:"favIconUrl,omitempty"`
	Pinned       bool      `json:"pinned"`
	Active       bool      `json:"active"`
	Audible      bool      `json:"audible"`
	Muted        bool      `json:"muted"`
	Discarded    bool      `json:"discarded"`
	GroupID      int       `json:"groupId"`
	Index        int       `json:"index"`
	Referrer     string    `json:"referrer,omitempty"`
	LastAccessed time.Time `json:"lastAccessed"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Window is the projection of a browser window.
type Window struct {
	ID        int   `json:"id"`
	Focused   bool  `json:"focused"`
	Incognito bool  `json:"incognito"`
	TabIDs    []int `json:"tabIds"`
}

// EnrichedTab decorates a Tab with fields derived at evaluation time.
// Enriched snapshots are scoped to a single rule run and never persisted.
type EnrichedTab struct {
	Tab

	// Domain is the lowercased hostname of URL with "www." stripped.
	Domain string `json:"domain"`
	// Origin is the domain of the referrer, or "" when unknown.
	Origin string `json:"origin"`
	// DupeKey is the canonical URL; tabs sharing a DupeKey are duplicates.
	DupeKey string `json:"dupeKey"`
	// Category comes from the domain->category table, "unknown" otherwise.
	Category string `json:"category"`
	// AgeMs is now minus CreatedAt (or LastAccessed as fallback).
	AgeMs int64 `json:"age"`
	// IsDupe is true when at least one other tab shares this DupeKey.
	IsDupe bool `json:"isDupe"`
}

// Age reports the tab's age relative to now, preferring CreatedAt and
// falling back to LastAccessed. Zero when neither is known.
func Age(t Tab, now time.Time) time.Duration {
	switch {
	case !t.CreatedAt.IsZero():
		return now.Sub(t.CreatedAt)
	case !t.LastAccessed.IsZero():
		return now.Sub(t.LastAccessed)
	}
	return 0
}
