package tabs

import (
	"time"

	"github.com/marcus-qen/tabwarden/internal/urlnorm"
)

// Indices are the multi-maps a rule run consults for count-based conditions
// and duplicate grouping. Derived per run, never persisted.
type Indices struct {
	ByDomain   map[string][]*EnrichedTab
	ByOrigin   map[string][]*EnrichedTab
	ByDupeKey  map[string][]*EnrichedTab
	ByCategory map[string][]*EnrichedTab
	ByWindow   map[int][]*EnrichedTab
}

// WindowTabCount reports how many snapshot tabs live in the given window.
func (ix *Indices) WindowTabCount(windowID int) int {
	if ix == nil {
		return 0
	}
	return len(ix.ByWindow[windowID])
}

// IndexBuilder enriches raw tab snapshots. The category table is optional.
type IndexBuilder struct {
	categories *CategoryTable
}

// NewIndexBuilder returns a builder using the given category table (nil is
// fine; every tab then lands in CategoryUnknown).
func NewIndexBuilder(categories *CategoryTable) *IndexBuilder {
	return &IndexBuilder{categories: categories}
}

// Build computes the enriched snapshot and its indices. Pure: no I/O, no
// retained references to the input slice.
func (b *IndexBuilder) Build(snapshot []Tab, now time.Time) ([]*EnrichedTab, *Indices) {
	enriched := make([]*EnrichedTab, 0, len(snapshot))
	ix := &Indices{
		ByDomain:   make(map[string][]*EnrichedTab),
		ByOrigin:   make(map[string][]*EnrichedTab),
		ByDupeKey:  make(map[string][]*EnrichedTab),
		ByCategory: make(map[string][]*EnrichedTab),
		ByWindow:   make(map[int][]*EnrichedTab),
	}

	for _, raw := range snapshot {
		et := &EnrichedTab{
			Tab:     raw,
			Domain:  urlnorm.Domain(raw.URL),
			Origin:  urlnorm.Domain(raw.Referrer),
			DupeKey: urlnorm.Normalize(raw.URL),
			AgeMs:   Age(raw, now).Milliseconds(),
		}
		et.Category = b.categories.Lookup(et.Domain)

		enriched = append(enriched, et)
		ix.ByDomain[et.Domain] = append(ix.ByDomain[et.Domain], et)
		if et.Origin != "" {
			ix.ByOrigin[et.Origin] = append(ix.ByOrigin[et.Origin], et)
		}
		ix.ByDupeKey[et.DupeKey] = append(ix.ByDupeKey[et.DupeKey], et)
		ix.ByCategory[et.Category] = append(ix.ByCategory[et.Category], et)
		ix.ByWindow[et.WindowID] = append(ix.ByWindow[et.WindowID], et)
	}

	for _, et := range enriched {
		et.IsDupe = len(ix.ByDupeKey[et.DupeKey]) > 1
	}

	return enriched, ix
}
