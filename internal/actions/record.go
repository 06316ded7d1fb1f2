// Package actions defines the action records a rule's then-list carries,
// the validator that orders them, and the dispatcher that executes them
// against the browser driver.
package actions

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/tabwarden/internal/shared/duration"
)

// Kind names a recognized action.
type Kind string

const (
	KindClose           Kind = "close"
	KindPin             Kind = "pin"
	KindUnpin           Kind = "unpin"
	KindMute            Kind = "mute"
	KindUnmute          Kind = "unmute"
	KindSuspend         Kind = "suspend"
	KindSnooze          Kind = "snooze"
	KindGroup           Kind = "group"
	KindBookmark        Kind = "bookmark"
	KindMove            Kind = "move"
	KindCloseDuplicates Kind = "close-duplicates"
)

// Record is the document form of an action: {"action": "close", ...params}.
// Params keeps every key except "action" so unknown actions survive the
// round trip and can be reported at execution time.
type Record struct {
	Action string
	Params map[string]any
}

// MarshalJSON flattens the record back to its document shape.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		out[k] = v
	}
	out["action"] = r.Action
	return json.Marshal(out)
}

// UnmarshalJSON parses the document shape.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, _ := raw["action"].(string)
	if name == "" {
		return fmt.Errorf("action record missing \"action\" key")
	}
	delete(raw, "action")
	r.Action = name
	r.Params = raw
	return nil
}

// Action is the parsed, typed form of a record. One concrete type per
// recognized action; Unknown preserves anything else for error reporting.
type Action interface {
	Kind() Kind
}

// Close removes the tab.
type Close struct{}

func (Close) Kind() Kind { return KindClose }

// Pin pins the tab.
type Pin struct{}

func (Pin) Kind() Kind { return KindPin }

// Unpin unpins the tab.
type Unpin struct{}

func (Unpin) Kind() Kind { return KindUnpin }

// Mute mutes the tab.
type Mute struct{}

func (Mute) Kind() Kind { return KindMute }

// Unmute unmutes the tab.
type Unmute struct{}

func (Unmute) Kind() Kind { return KindUnmute }

// Suspend discards the tab from memory. Active, pinned and audible tabs
// are skipped.
type Suspend struct{}

func (Suspend) Kind() Kind { return KindSuspend }

// Snooze closes the tab now and restores it at WakeAt (absolute) or after
// For (relative to the run's now).
type Snooze struct {
	For    time.Duration
	Until  time.Time
	Reason string
}

func (Snooze) Kind() Kind { return KindSnooze }

// Group collects the matched tabs into tab groups, either one per domain
// (ByDomain) or a single named group.
type Group struct {
	ByDomain        bool
	Name            string
	CreateIfMissing bool
	WindowID        int
}

func (Group) Kind() Kind { return KindGroup }

// Bookmark saves each matched tab under a folder in "Other Bookmarks".
type Bookmark struct {
	Folder string
}

func (Bookmark) Kind() Kind { return KindBookmark }

// Move relocates the matched tabs to another window.
type Move struct {
	WindowID      int
	PreserveGroup bool
}

func (Move) Kind() Kind { return KindMove }

// Keep selects which member of a duplicate group survives.
type Keep string

const (
	KeepOldest Keep = "oldest"
	KeepNewest Keep = "newest"
	KeepMRU    Keep = "mru"
	KeepLRU    Keep = "lru"
	KeepAll    Keep = "all"
	KeepNone   Keep = "none"
)

// Scope bounds duplicate resolution.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePerWindow Scope = "per-window"
	ScopeWindow    Scope = "window"
)

// CloseDuplicates resolves duplicate tabs within the matched set.
type CloseDuplicates struct {
	Keep     Keep
	Scope    Scope
	WindowID int
}

func (CloseDuplicates) Kind() Kind { return KindCloseDuplicates }

// Unknown is any unrecognized action name, kept so execution can report it.
type Unknown struct {
	Name string
}

func (u Unknown) Kind() Kind { return Kind(u.Name) }

// Parse converts a record to its typed action. Unrecognized names come back
// as Unknown with a nil error; malformed parameters on recognized actions
// return an error.
func Parse(rec Record) (Action, error) {
	name := strings.ToLower(strings.TrimSpace(rec.Action))
	if name == "discard" {
		name = string(KindSuspend)
	}
	switch Kind(name) {
	case KindClose:
		return Close{}, nil
	case KindPin:
		return Pin{}, nil
	case KindUnpin:
		return Unpin{}, nil
	case KindMute:
		return Mute{}, nil
	case KindUnmute:
		return Unmute{}, nil
	case KindSuspend:
		return Suspend{}, nil
	case KindSnooze:
		return parseSnooze(rec)
	case KindGroup:
		return parseGroup(rec)
	case KindBookmark:
		folder, _ := rec.Params["folder"].(string)
		if folder == "" {
			folder = "Saved Tabs"
		}
		return Bookmark{Folder: folder}, nil
	case KindMove:
		return parseMove(rec)
	case KindCloseDuplicates:
		return parseCloseDuplicates(rec)
	}
	return Unknown{Name: rec.Action}, nil
}

func parseSnooze(rec Record) (Action, error) {
	a := Snooze{}
	if reason, ok := rec.Params["reason"].(string); ok {
		a.Reason = reason
	}
	forVal, hasFor := rec.Params["for"]
	untilVal, hasUntil := rec.Params["until"]
	switch {
	case hasFor && hasUntil:
		return nil, fmt.Errorf("snooze: \"for\" and \"until\" are mutually exclusive")
	case hasFor:
		d, err := duration.Parse(forVal)
		if err != nil {
			return nil, fmt.Errorf("snooze: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("snooze: duration must be positive")
		}
		a.For = d
	case hasUntil:
		at, err := parseTimestamp(untilVal)
		if err != nil {
			return nil, fmt.Errorf("snooze: %w", err)
		}
		a.Until = at
	default:
		return nil, fmt.Errorf("snooze: requires \"for\" or \"until\"")
	}
	return a, nil
}

func parseGroup(rec Record) (Action, error) {
	a := Group{CreateIfMissing: true}
	if v, ok := rec.Params["createIfMissing"].(bool); ok {
		a.CreateIfMissing = v
	}
	if v, ok := numberParam(rec.Params["windowId"]); ok {
		a.WindowID = v
	}
	by, _ := rec.Params["by"].(string)
	name, _ := rec.Params["name"].(string)
	switch {
	case by == "domain":
		a.ByDomain = true
	case by != "":
		return nil, fmt.Errorf("group: unsupported \"by\" value %q", by)
	case name != "":
		a.Name = name
	default:
		return nil, fmt.Errorf("group: requires by=domain or a name")
	}
	return a, nil
}

func parseMove(rec Record) (Action, error) {
	a := Move{}
	windowID, ok := numberParam(rec.Params["windowId"])
	if !ok {
		return nil, fmt.Errorf("move: requires a windowId")
	}
	a.WindowID = windowID
	if v, ok := rec.Params["preserveGroup"].(bool); ok {
		a.PreserveGroup = v
	}
	return a, nil
}

func parseCloseDuplicates(rec Record) (Action, error) {
	a := CloseDuplicates{Keep: KeepOldest, Scope: ScopeGlobal}
	if v, ok := rec.Params["keep"].(string); ok && v != "" {
		switch Keep(strings.ToLower(v)) {
		case KeepOldest, KeepNewest, KeepMRU, KeepLRU, KeepAll, KeepNone:
			a.Keep = Keep(strings.ToLower(v))
		default:
			return nil, fmt.Errorf("close-duplicates: unknown keep strategy %q", v)
		}
	}
	if v, ok := rec.Params["scope"].(string); ok && v != "" {
		switch Scope(strings.ToLower(v)) {
		case ScopeGlobal, ScopePerWindow, ScopeWindow:
			a.Scope = Scope(strings.ToLower(v))
		default:
			return nil, fmt.Errorf("close-duplicates: unknown scope %q", v)
		}
	}
	if v, ok := numberParam(rec.Params["windowId"]); ok {
		a.WindowID = v
	}
	return a, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q", x)
		}
		return t, nil
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case int:
		return time.UnixMilli(int64(x)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %T", v)
}

func numberParam(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	}
	return 0, false
}
