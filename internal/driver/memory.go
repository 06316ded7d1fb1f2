package driver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// Memory is a fully in-process Driver. Tests run against it, and so does
// `tabwardend --standalone` when no extension is paired.
type Memory struct {
	mu        sync.Mutex
	tabs      map[int]*tabs.Tab
	windows   map[int]*tabs.Window
	groups    map[int]*TabGroup
	bookmarks map[string]*BookmarkNode

	nextTabID      int
	nextWindowID   int
	nextGroupID    int
	nextBookmarkID int

	mutations int
	removals  [][]int
}

// NewMemory returns an empty in-memory browser with the standard bookmark
// root folders pre-seeded.
func NewMemory() *Memory {
	m := &Memory{
		tabs:           make(map[int]*tabs.Tab),
		windows:        make(map[int]*tabs.Window),
		groups:         make(map[int]*TabGroup),
		bookmarks:      make(map[string]*BookmarkNode),
		nextTabID:      1,
		nextWindowID:   1,
		nextGroupID:    1,
		nextBookmarkID: 10,
	}
	m.bookmarks[OtherBookmarksID] = &BookmarkNode{ID: OtherBookmarksID, Title: "Other Bookmarks"}
	return m
}

// AddWindow seeds a window and returns its id.
func (m *Memory) AddWindow() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextWindowID
	m.nextWindowID++
	m.windows[id] = &tabs.Window{ID: id}
	return id
}

// AddTab seeds a tab. Zero ID and WindowID are assigned; the window is
// created if missing. Returns the tab id.
func (m *Memory) AddTab(t tabs.Tab) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.nextTabID
	}
	if t.ID >= m.nextTabID {
		m.nextTabID = t.ID + 1
	}
	if t.WindowID == 0 {
		t.WindowID = 1
	}
	if t.GroupID == 0 {
		t.GroupID = tabs.GroupNone
	}
	if _, ok := m.windows[t.WindowID]; !ok {
		m.windows[t.WindowID] = &tabs.Window{ID: t.WindowID}
		if t.WindowID >= m.nextWindowID {
			m.nextWindowID = t.WindowID + 1
		}
	}
	cp := t
	m.tabs[t.ID] = &cp
	m.windows[t.WindowID].TabIDs = append(m.windows[t.WindowID].TabIDs, t.ID)
	return t.ID
}

// Tab returns a copy of the tab, or false when gone.
func (m *Memory) Tab(id int) (tabs.Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return tabs.Tab{}, false
	}
	return *t, true
}

// Mutations counts state-changing driver calls since construction.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

// Removals reports each RemoveTabs call's id set, in call order.
func (m *Memory) Removals() [][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]int, len(m.removals))
	for i, ids := range m.removals {
		out[i] = append([]int(nil), ids...)
	}
	return out
}

func (m *Memory) QueryTabs(_ context.Context, f TabFilter) ([]tabs.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tabs.Tab
	for _, t := range m.tabs {
		if f.WindowID != nil && t.WindowID != *f.WindowID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) QueryWindows(_ context.Context) ([]tabs.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tabs.Window
	for _, w := range m.windows {
		cp := *w
		cp.TabIDs = append([]int(nil), w.TabIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RemoveTabs(_ context.Context, ids []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.removals = append(m.removals, append([]int(nil), ids...))
	for _, id := range ids {
		t, ok := m.tabs[id]
		if !ok {
			return fmt.Errorf("tab %d: %w", id, ErrNotFound)
		}
		m.detachFromWindow(t)
		delete(m.tabs, id)
	}
	return nil
}

func (m *Memory) UpdateTab(_ context.Context, id int, opts UpdateTabOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	t, ok := m.tabs[id]
	if !ok {
		return fmt.Errorf("tab %d: %w", id, ErrNotFound)
	}
	if opts.Pinned != nil {
		t.Pinned = *opts.Pinned
	}
	if opts.Muted != nil {
		t.Muted = *opts.Muted
	}
	if opts.Active != nil {
		if *opts.Active {
			for _, other := range m.tabs {
				if other.WindowID == t.WindowID {
					other.Active = false
				}
			}
		}
		t.Active = *opts.Active
		t.LastAccessed = time.Now().UTC()
	}
	return nil
}

func (m *Memory) MoveTabs(_ context.Context, ids []int, opts MoveOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	w, ok := m.windows[opts.WindowID]
	if !ok {
		return fmt.Errorf("window %d: %w", opts.WindowID, ErrNotFound)
	}
	for _, id := range ids {
		t, ok := m.tabs[id]
		if !ok {
			return fmt.Errorf("tab %d: %w", id, ErrNotFound)
		}
		if t.WindowID != opts.WindowID {
			m.detachFromWindow(t)
			t.WindowID = opts.WindowID
			t.GroupID = tabs.GroupNone
			w.TabIDs = append(w.TabIDs, id)
		}
		t.Index = opts.Index
	}
	return nil
}

func (m *Memory) DiscardTab(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	t, ok := m.tabs[id]
	if !ok {
		return fmt.Errorf("tab %d: %w", id, ErrNotFound)
	}
	t.Discarded = true
	return nil
}

func (m *Memory) GroupTabs(_ context.Context, opts GroupOpts) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if len(opts.TabIDs) == 0 {
		return 0, fmt.Errorf("group: no tabs given")
	}

	groupID := opts.GroupID
	if groupID > 0 {
		if _, ok := m.groups[groupID]; !ok {
			return 0, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
		}
	} else {
		first, ok := m.tabs[opts.TabIDs[0]]
		if !ok {
			return 0, fmt.Errorf("tab %d: %w", opts.TabIDs[0], ErrNotFound)
		}
		groupID = m.nextGroupID
		m.nextGroupID++
		m.groups[groupID] = &TabGroup{ID: groupID, WindowID: first.WindowID}
	}

	g := m.groups[groupID]
	for _, id := range opts.TabIDs {
		t, ok := m.tabs[id]
		if !ok {
			return 0, fmt.Errorf("tab %d: %w", id, ErrNotFound)
		}
		if t.WindowID != g.WindowID {
			m.detachFromWindow(t)
			t.WindowID = g.WindowID
			m.windows[g.WindowID].TabIDs = append(m.windows[g.WindowID].TabIDs, id)
		}
		t.GroupID = groupID
	}
	return groupID, nil
}

func (m *Memory) UpdateGroup(_ context.Context, id int, upd GroupUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if upd.Title != nil {
		g.Title = *upd.Title
	}
	if upd.Color != nil {
		g.Color = *upd.Color
	}
	if upd.Collapsed != nil {
		g.Collapsed = *upd.Collapsed
	}
	return nil
}

func (m *Memory) QueryGroups(_ context.Context, f GroupFilter) ([]TabGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TabGroup
	for _, g := range m.groups {
		if f.WindowID != nil && g.WindowID != *f.WindowID {
			continue
		}
		if f.Title != nil && g.Title != *f.Title {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateBookmark(_ context.Context, opts CreateBookmarkOpts) (BookmarkNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if opts.ParentID != "" {
		if _, ok := m.bookmarks[opts.ParentID]; !ok {
			return BookmarkNode{}, fmt.Errorf("bookmark folder %s: %w", opts.ParentID, ErrNotFound)
		}
	}
	node := &BookmarkNode{
		ID:       strconv.Itoa(m.nextBookmarkID),
		ParentID: opts.ParentID,
		Title:    opts.Title,
		URL:      opts.URL,
	}
	m.nextBookmarkID++
	m.bookmarks[node.ID] = node
	return *node, nil
}

func (m *Memory) SearchBookmarks(_ context.Context, query string) ([]BookmarkNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []BookmarkNode
	for _, b := range m.bookmarks {
		if q == "" || strings.Contains(strings.ToLower(b.Title), q) || strings.Contains(strings.ToLower(b.URL), q) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateWindow(_ context.Context, opts CreateWindowOpts) (tabs.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	id := m.nextWindowID
	m.nextWindowID++
	w := &tabs.Window{ID: id, Focused: opts.Focused}
	m.windows[id] = w
	if opts.URL != "" {
		t := &tabs.Tab{
			ID:        m.nextTabID,
			WindowID:  id,
			URL:       opts.URL,
			GroupID:   tabs.GroupNone,
			CreatedAt: time.Now().UTC(),
		}
		m.nextTabID++
		m.tabs[t.ID] = t
		w.TabIDs = append(w.TabIDs, t.ID)
	}
	cp := *w
	cp.TabIDs = append([]int(nil), w.TabIDs...)
	return cp, nil
}

func (m *Memory) CreateTab(_ context.Context, opts CreateTabOpts) (tabs.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	w, ok := m.windows[opts.WindowID]
	if !ok {
		return tabs.Tab{}, fmt.Errorf("window %d: %w", opts.WindowID, ErrNotFound)
	}
	t := &tabs.Tab{
		ID:        m.nextTabID,
		WindowID:  opts.WindowID,
		URL:       opts.URL,
		Active:    opts.Active,
		GroupID:   tabs.GroupNone,
		Index:     opts.Index,
		CreatedAt: time.Now().UTC(),
	}
	m.nextTabID++
	m.tabs[t.ID] = t
	w.TabIDs = append(w.TabIDs, t.ID)
	return *t, nil
}

// detachFromWindow removes the tab id from its window's member list.
// Caller holds the lock.
func (m *Memory) detachFromWindow(t *tabs.Tab) {
	w, ok := m.windows[t.WindowID]
	if !ok {
		return
	}
	for i, id := range w.TabIDs {
		if id == t.ID {
			w.TabIDs = append(w.TabIDs[:i], w.TabIDs[i+1:]...)
			break
		}
	}
}
