// Package driver defines the browser-side interface the engine issues
// commands through. Two implementations exist: the in-memory driver below
// (tests, standalone mode) and the websocket bridge driver that talks to
// the extension.
package driver

import (
	"context"
	"errors"

	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// ErrNotFound marks driver lookups that missed (tab/window/group gone).
var ErrNotFound = errors.New("not found")

// OtherBookmarksID is the well-known id of the browser's "Other Bookmarks"
// folder; bookmark actions resolve their folders under it.
const OtherBookmarksID = "2"

// TabFilter narrows QueryTabs. Zero value matches every tab.
type TabFilter struct {
	WindowID *int
}

// UpdateTabOpts carries the mutable tab bits; nil fields stay untouched.
type UpdateTabOpts struct {
	Pinned *bool
	Muted  *bool
	Active *bool
}

// MoveOpts places tabs in a window. Index -1 appends.
type MoveOpts struct {
	WindowID int
	Index    int
}

// GroupOpts adds tabs to an existing group (GroupID > 0) or creates one.
type GroupOpts struct {
	TabIDs  []int
	GroupID int
}

// GroupUpdate mutates group presentation; nil fields stay untouched.
type GroupUpdate struct {
	Title     *string
	Color     *string
	Collapsed *bool
}

// TabGroup is the driver's view of a tab group.
type TabGroup struct {
	ID        int    `json:"id"`
	WindowID  int    `json:"windowId"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

// GroupFilter narrows QueryGroups. Nil fields match everything.
type GroupFilter struct {
	WindowID *int
	Title    *string
}

// BookmarkNode is a bookmark or folder (URL empty for folders).
type BookmarkNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// CreateBookmarkOpts creates a bookmark, or a folder when URL is empty.
type CreateBookmarkOpts struct {
	ParentID string
	Title    string
	URL      string
}

// CreateWindowOpts opens a new window, optionally with an initial tab.
type CreateWindowOpts struct {
	URL     string
	Focused bool
}

// CreateTabOpts opens a tab in an existing window. Index -1 appends.
type CreateTabOpts struct {
	WindowID int
	URL      string
	Active   bool
	Index    int
}

// Driver is the command surface against the browser. All calls may block on
// the extension round trip; implementations honor ctx cancellation.
type Driver interface {
	QueryTabs(ctx context.Context, f TabFilter) ([]tabs.Tab, error)
	QueryWindows(ctx context.Context) ([]tabs.Window, error)

	RemoveTabs(ctx context.Context, ids []int) error
	UpdateTab(ctx context.Context, id int, opts UpdateTabOpts) error
	MoveTabs(ctx context.Context, ids []int, opts MoveOpts) error
	DiscardTab(ctx context.Context, id int) error

	GroupTabs(ctx context.Context, opts GroupOpts) (int, error)
	UpdateGroup(ctx context.Context, id int, upd GroupUpdate) error
	QueryGroups(ctx context.Context, f GroupFilter) ([]TabGroup, error)

	CreateBookmark(ctx context.Context, opts CreateBookmarkOpts) (BookmarkNode, error)
	SearchBookmarks(ctx context.Context, query string) ([]BookmarkNode, error)

	CreateWindow(ctx context.Context, opts CreateWindowOpts) (tabs.Window, error)
	CreateTab(ctx context.Context, opts CreateTabOpts) (tabs.Tab, error)
}
