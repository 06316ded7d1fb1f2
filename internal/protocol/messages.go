// Package protocol defines the wire protocol between the daemon and the
// browser extension. Both sides import these shapes: the daemon directly,
// the extension through mirrored TypeScript definitions.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// Version is the protocol revision. The hello exchange rejects clients
// speaking a different one.
const Version = 1

// MessageType identifies the kind of message on the WebSocket wire.
type MessageType string

const (
	// Extension → daemon
	MsgHello         MessageType = "hello"
	MsgSnapshot      MessageType = "snapshot"
	MsgTabEvent      MessageType = "tab_event"
	MsgCommandResult MessageType = "command_result"
	MsgError         MessageType = "error"

	// Daemon → extension
	MsgHelloAck MessageType = "hello_ack"
	MsgCommand  MessageType = "command"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// HelloPayload opens a session after the socket connects.
type HelloPayload struct {
	Browser   string `json:"browser"` // "chrome", "firefox", "edge"
	Extension string `json:"extension_version"`
	Protocol  int    `json:"protocol_version"`
}

// HelloAckPayload is the daemon's answer to a hello.
type HelloAckPayload struct {
	Protocol      int    `json:"protocol_version"`
	ServerVersion string `json:"server_version"`
}

// SnapshotPayload is the extension's full browser state, pushed right
// after hello so the daemon starts with warm tab ages.
type SnapshotPayload struct {
	Tabs    []tabs.Tab    `json:"tabs"`
	Windows []tabs.Window `json:"windows"`
}

// Tab lifecycle event names the extension reports.
const (
	EventTabCreated   = "created"
	EventTabUpdated   = "updated"
	EventTabActivated = "activated"
	EventTabRemoved   = "removed"
)

// TabEventPayload is one browser tab lifecycle event.
type TabEventPayload struct {
	Event    string    `json:"event"`
	TabID    int       `json:"tabId"`
	WindowID int       `json:"windowId"`
	Tab      *tabs.Tab `json:"tab,omitempty"` // present for created/updated
}

// Command methods, mirroring the driver surface.
const (
	MethodQueryTabs       = "queryTabs"
	MethodQueryWindows    = "queryWindows"
	MethodRemoveTabs      = "removeTabs"
	MethodUpdateTab       = "updateTab"
	MethodMoveTabs        = "moveTabs"
	MethodDiscardTab      = "discardTab"
	MethodGroupTabs       = "groupTabs"
	MethodUpdateGroup     = "updateGroup"
	MethodQueryGroups     = "queryGroups"
	MethodCreateBookmark  = "createBookmark"
	MethodSearchBookmarks = "searchBookmarks"
	MethodCreateWindow    = "createWindow"
	MethodCreateTab       = "createTab"
)

// CommandPayload asks the extension to run one browser call.
type CommandPayload struct {
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

// Result codes the extension sets alongside failed commands.
const (
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

// CommandResultPayload is the extension's response to a command. Data
// holds the method-specific result and stays raw until the caller knows
// which shape to decode.
type CommandResultPayload struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
}

// ErrorPayload reports a failure outside any command exchange.
type ErrorPayload struct {
	Message string `json:"message"`
}

// QueryTabsParams narrows queryTabs. Nil WindowID matches every window.
type QueryTabsParams struct {
	WindowID *int `json:"windowId,omitempty"`
}

type RemoveTabsParams struct {
	IDs []int `json:"ids"`
}

// UpdateTabParams carries the mutable tab bits; nil fields stay untouched.
type UpdateTabParams struct {
	ID     int   `json:"id"`
	Pinned *bool `json:"pinned,omitempty"`
	Muted  *bool `json:"muted,omitempty"`
	Active *bool `json:"active,omitempty"`
}

// MoveTabsParams places tabs in a window. Index -1 appends.
type MoveTabsParams struct {
	IDs      []int `json:"ids"`
	WindowID int   `json:"windowId"`
	Index    int   `json:"index"`
}

type DiscardTabParams struct {
	ID int `json:"id"`
}

// GroupTabsParams adds tabs to group GroupID, or a new group when zero.
type GroupTabsParams struct {
	TabIDs  []int `json:"tabIds"`
	GroupID int   `json:"groupId,omitempty"`
}

type UpdateGroupParams struct {
	ID        int     `json:"id"`
	Title     *string `json:"title,omitempty"`
	Color     *string `json:"color,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

type QueryGroupsParams struct {
	WindowID *int    `json:"windowId,omitempty"`
	Title    *string `json:"title,omitempty"`
}

// GroupTabsResult is the data shape of a groupTabs result.
type GroupTabsResult struct {
	GroupID int `json:"groupId"`
}

// CreateBookmarkParams creates a bookmark, or a folder when URL is empty.
type CreateBookmarkParams struct {
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

type SearchBookmarksParams struct {
	Query string `json:"query"`
}

type CreateWindowParams struct {
	URL     string `json:"url,omitempty"`
	Focused bool   `json:"focused,omitempty"`
}

// CreateTabParams opens a tab in an existing window. Index -1 appends.
type CreateTabParams struct {
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Active   bool   `json:"active,omitempty"`
	Index    int    `json:"index"`
}
