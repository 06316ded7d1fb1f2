package actions

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func parseDoc(t *testing.T, doc string) Record {
	t.Helper()
	var r Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("unmarshal %s: %v", doc, err)
	}
	return r
}

func TestParseRecognizedActions(t *testing.T) {
	tests := []struct {
		doc  string
		want Kind
	}{
		{`{"action": "close"}`, KindClose},
		{`{"action": "Pin"}`, KindPin},
		{`{"action": "discard"}`, KindSuspend},
		{`{"action": "suspend"}`, KindSuspend},
		{`{"action": "snooze", "for": "2h"}`, KindSnooze},
		{`{"action": "group", "by": "domain"}`, KindGroup},
		{`{"action": "bookmark"}`, KindBookmark},
		{`{"action": "move", "windowId": 3}`, KindMove},
		{`{"action": "close-duplicates"}`, KindCloseDuplicates},
	}
	for _, tc := range tests {
		act, err := Parse(parseDoc(t, tc.doc))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.doc, err)
		}
		if act.Kind() != tc.want {
			t.Fatalf("Parse(%s) = %v, want %s", tc.doc, act.Kind(), tc.want)
		}
	}
}

func TestParseSnooze(t *testing.T) {
	act, err := Parse(parseDoc(t, `{"action": "snooze", "until": "2026-03-02T08:00:00Z", "reason": "standup"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sn := act.(Snooze)
	if sn.Reason != "standup" || !sn.Until.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("snooze = %+v", sn)
	}

	act, err = Parse(parseDoc(t, `{"action": "snooze", "for": "30m"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sn := act.(Snooze); sn.For != 30*time.Minute {
		t.Fatalf("for = %v, want 30m", sn.For)
	}

	for _, doc := range []string{
		`{"action": "snooze"}`,
		`{"action": "snooze", "for": "2h", "until": "2026-03-02T08:00:00Z"}`,
		`{"action": "snooze", "for": "-5m"}`,
	} {
		if _, err := Parse(parseDoc(t, doc)); err == nil {
			t.Fatalf("Parse(%s) accepted", doc)
		}
	}
}

func TestParseGroup(t *testing.T) {
	act, err := Parse(parseDoc(t, `{"action": "group", "name": "Reading", "createIfMissing": false}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g := act.(Group)
	if g.ByDomain || g.Name != "Reading" || g.CreateIfMissing {
		t.Fatalf("group = %+v", g)
	}

	act, err = Parse(parseDoc(t, `{"action": "group", "by": "domain", "windowId": 4}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g = act.(Group)
	if !g.ByDomain || !g.CreateIfMissing || g.WindowID != 4 {
		t.Fatalf("group = %+v", g)
	}

	for _, doc := range []string{
		`{"action": "group"}`,
		`{"action": "group", "by": "color"}`,
	} {
		if _, err := Parse(parseDoc(t, doc)); err == nil {
			t.Fatalf("Parse(%s) accepted", doc)
		}
	}
}

func TestParseCloseDuplicatesDefaults(t *testing.T) {
	act, err := Parse(parseDoc(t, `{"action": "close-duplicates"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cd := act.(CloseDuplicates)
	if cd.Keep != KeepOldest || cd.Scope != ScopeGlobal {
		t.Fatalf("defaults = %+v", cd)
	}

	act, err = Parse(parseDoc(t, `{"action": "close-duplicates", "keep": "LRU", "scope": "window", "windowId": 2}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cd = act.(CloseDuplicates)
	if cd.Keep != KeepLRU || cd.Scope != ScopeWindow || cd.WindowID != 2 {
		t.Fatalf("close-duplicates = %+v", cd)
	}

	if _, err := Parse(parseDoc(t, `{"action": "close-duplicates", "keep": "shiniest"}`)); err == nil {
		t.Fatalf("bad keep strategy accepted")
	}
}

func TestParseMoveRequiresWindow(t *testing.T) {
	if _, err := Parse(parseDoc(t, `{"action": "move"}`)); err == nil {
		t.Fatalf("move without windowId accepted")
	}
}

func TestParseBookmarkDefaultFolder(t *testing.T) {
	act, err := Parse(parseDoc(t, `{"action": "bookmark"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b := act.(Bookmark); b.Folder != "Saved Tabs" {
		t.Fatalf("folder = %q", b.Folder)
	}
}

func TestParseUnknownPassesThrough(t *testing.T) {
	act, err := Parse(parseDoc(t, `{"action": "archive", "dest": "x"}`))
	if err != nil {
		t.Fatalf("unknown action errored: %v", err)
	}
	u, ok := act.(Unknown)
	if !ok || u.Name != "archive" {
		t.Fatalf("act = %#v", act)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	r := parseDoc(t, `{"action": "snooze", "for": "2h"}`)
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Action != "snooze" || back.Params["for"] != "2h" {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestRecordMissingAction(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"for": "2h"}`), &r)
	if err == nil || !strings.Contains(err.Error(), "action") {
		t.Fatalf("err = %v, want missing action", err)
	}
}
