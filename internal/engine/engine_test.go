package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/tabwarden/internal/actions"
	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// matchAll matches every tab carrying a real URL.
const matchAll = `{"contains": ["tab.url", "://"]}`

func domainIs(domain string) string {
	return fmt.Sprintf(`{"eq": ["tab.domain", %q]}`, domain)
}

func staticRules(list ...rules.Rule) RuleLoader {
	return func() ([]rules.Rule, error) { return list, nil }
}

func ruleWith(id, when string, then ...actions.Record) rules.Rule {
	return rules.Rule{
		ID:      id,
		Name:    id,
		Enabled: true,
		When:    json.RawMessage(when),
		Then:    then,
		Trigger: rules.Trigger{Kind: rules.TriggerOnAction},
	}
}

func closeRule(id, when string) rules.Rule {
	return ruleWith(id, when, actions.Record{Action: "close"})
}

func newEngine(drv driver.Driver, list ...rules.Rule) *Engine {
	return New(Config{Driver: drv, Rules: staticRules(list...)})
}

func waitFor(t *testing.T, name string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", name)
}

type failingDriver struct {
	driver.Driver
	err error
}

func (d failingDriver) QueryTabs(context.Context, driver.TabFilter) ([]tabs.Tab, error) {
	return nil, d.err
}

type panickyDriver struct {
	driver.Driver
}

func (panickyDriver) QueryTabs(context.Context, driver.TabFilter) ([]tabs.Tab, error) {
	panic("driver exploded")
}

type notifierSpy struct {
	mu sync.Mutex
	n  int
}

func (s *notifierSpy) NotifyTabEvent() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *notifierSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestRunRuleClosesMatchedTabs(t *testing.T) {
	m := driver.NewMemory()
	keep := m.AddTab(tabs.Tab{URL: "https://github.com/a"})
	gone1 := m.AddTab(tabs.Tab{URL: "https://example.com/one"})
	gone2 := m.AddTab(tabs.Tab{URL: "https://example.com/two"})

	e := newEngine(m, closeRule("r1", domainIs("example.com")))
	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	if res.Trigger != rules.TriggerOnAction {
		t.Errorf("trigger = %q, want on_action", res.Trigger)
	}
	if res.TotalMatches != 2 {
		t.Errorf("TotalMatches = %d, want 2", res.TotalMatches)
	}
	if res.TotalActions != len(res.Actions) {
		t.Errorf("TotalActions = %d, len(Actions) = %d", res.TotalActions, len(res.Actions))
	}
	if res.TotalActions != 2 {
		t.Errorf("TotalActions = %d, want 2", res.TotalActions)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}

	for _, id := range []int{gone1, gone2} {
		if _, ok := m.Tab(id); ok {
			t.Errorf("tab %d still open", id)
		}
	}
	if _, ok := m.Tab(keep); !ok {
		t.Errorf("tab %d should survive", keep)
	}
}

func TestRunRuleDryRunLeavesTabsAlone(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})
	m.AddTab(tabs.Tab{URL: "https://example.com/two"})

	e := newEngine(m, closeRule("r1", domainIs("example.com")))
	res, err := e.RunRule(context.Background(), "r1", RunOpts{DryRun: true})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	if res.TotalMatches != 2 || res.TotalActions != 2 {
		t.Errorf("matches/actions = %d/%d, want 2/2", res.TotalMatches, res.TotalActions)
	}
	for _, a := range res.Actions {
		if !a.Success {
			t.Errorf("dry-run action failed: %+v", a)
		}
		if preview, _ := a.Details["preview"].(bool); !preview {
			t.Errorf("action %+v missing preview detail", a)
		}
	}
	if got := m.Mutations(); got != 0 {
		t.Errorf("driver mutations = %d, want 0", got)
	}

	// Dry runs are history too; the record carries the flag.
	recs, err := e.RunLog().List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("run log has %d records, want 1", len(recs))
	}
	if !recs[0].DryRun {
		t.Error("run record should be marked dry-run")
	}
}

func TestRunRuleUnknownRule(t *testing.T) {
	e := newEngine(driver.NewMemory())
	_, err := e.RunRule(context.Background(), "ghost", RunOpts{})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("err = %v, want ErrRuleNotFound", err)
	}
}

func TestRunRuleDisabledNeedsForce(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	r := closeRule("r1", domainIs("example.com"))
	r.Enabled = false
	e := newEngine(m, r)

	_, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if !errors.Is(err, ErrRuleDisabled) {
		t.Errorf("err = %v, want ErrRuleDisabled", err)
	}
	if got := m.Mutations(); got != 0 {
		t.Errorf("disabled rule mutated the driver %d times", got)
	}

	res, err := e.RunRule(context.Background(), "r1", RunOpts{Force: true})
	if err != nil {
		t.Fatalf("forced RunRule: %v", err)
	}
	if res.TotalMatches != 1 {
		t.Errorf("forced TotalMatches = %d, want 1", res.TotalMatches)
	}
}

func TestRunRuleEmptyConditionMatchesNothing(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})
	m.AddTab(tabs.Tab{URL: "https://example.com/two"})

	e := newEngine(m, closeRule("r1", ""))
	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	if res.TotalMatches != 0 || res.TotalActions != 0 {
		t.Errorf("matches/actions = %d/%d, want 0/0", res.TotalMatches, res.TotalActions)
	}
	if res.Matches == nil || res.Actions == nil || res.Errors == nil {
		t.Error("result slices must be empty, not nil")
	}
	if got := m.Mutations(); got != 0 {
		t.Errorf("empty condition mutated the driver %d times", got)
	}
}

func TestRunRuleSkipsPinnedByDefault(t *testing.T) {
	m := driver.NewMemory()
	pinned := m.AddTab(tabs.Tab{URL: "https://example.com/pinned", Pinned: true})
	plain := m.AddTab(tabs.Tab{URL: "https://example.com/plain"})

	withPinned := closeRule("incl", domainIs("example.com"))
	withPinned.Flags = rules.Flags{IncludePinned: true}
	e := newEngine(m, closeRule("dflt", domainIs("example.com")), withPinned)

	res, err := e.RunRule(context.Background(), "dflt", RunOpts{DryRun: true})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if res.TotalMatches != 1 || res.Matches[0] != plain {
		t.Errorf("default flags matched %v, want [%d]", res.Matches, plain)
	}

	res, err = e.RunRule(context.Background(), "incl", RunOpts{DryRun: true})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if res.TotalMatches != 2 {
		t.Errorf("includePinned matched %v, want both %d and %d", res.Matches, pinned, plain)
	}
}

func TestRunRuleLoaderFailure(t *testing.T) {
	e := New(Config{
		Driver: driver.NewMemory(),
		Rules:  func() ([]rules.Rule, error) { return nil, errors.New("db locked") },
	})
	_, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if !errors.Is(err, ErrStorage) {
		t.Errorf("err = %v, want a storage error", err)
	}
}

func TestRunRuleDriverFailureFoldsIntoResult(t *testing.T) {
	drv := failingDriver{Driver: driver.NewMemory(), err: errors.New("bridge down")}
	e := newEngine(drv, closeRule("r1", matchAll))

	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if res.TotalMatches != 0 {
		t.Errorf("TotalMatches = %d, want 0", res.TotalMatches)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", res.Errors)
	}
	if msg := res.Errors[0].Message; !strings.Contains(msg, "driver: query tabs") {
		t.Errorf("error message = %q, want driver classification", msg)
	}
}

func TestRunRuleConflictsSurfaceAsErrors(t *testing.T) {
	m := driver.NewMemory()
	id := m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	r := ruleWith("r1", domainIs("example.com"),
		actions.Record{Action: "pin"},
		actions.Record{Action: "unpin"},
	)
	r.Flags = rules.Flags{IncludePinned: true}
	e := newEngine(m, r)

	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	// Both actions still execute; the pairing is reported, not blocked.
	if res.TotalActions != 2 {
		t.Errorf("TotalActions = %d, want 2", res.TotalActions)
	}
	found := false
	for _, re := range res.Errors {
		if re.Action == "pin/unpin" && strings.Contains(re.Message, "conflict:") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want a pin/unpin conflict entry", res.Errors)
	}
	if tab, ok := m.Tab(id); !ok || tab.Pinned {
		t.Errorf("tab should end unpinned, got %+v ok=%v", tab, ok)
	}
}

func TestRunRuleUnknownActionFailsPerTab(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})
	m.AddTab(tabs.Tab{URL: "https://example.com/two"})

	e := newEngine(m, ruleWith("r1", domainIs("example.com"), actions.Record{Action: "explode"}))
	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	if res.TotalActions != 2 {
		t.Errorf("TotalActions = %d, want 2", res.TotalActions)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("Errors = %v, want one per tab", res.Errors)
	}
	for _, re := range res.Errors {
		if re.Action != "explode" || !strings.Contains(re.Message, "Unknown action") {
			t.Errorf("unexpected error entry %+v", re)
		}
		if re.TabID == 0 {
			t.Errorf("error entry %+v missing tab id", re)
		}
	}
	if got := m.Mutations(); got != 0 {
		t.Errorf("unknown action mutated the driver %d times", got)
	}
}

func TestRunRulesFoldsBadIDsIntoBatch(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	e := newEngine(m, closeRule("good", domainIs("example.com")))
	batch, err := e.RunRules(context.Background(), []string{"good", "ghost"}, RunOpts{})
	if err != nil {
		t.Fatalf("RunRules: %v", err)
	}

	if len(batch.Results) != 2 {
		t.Fatalf("Results = %d, want 2", len(batch.Results))
	}
	if batch.TotalMatches != 1 || batch.TotalActions != 1 {
		t.Errorf("totals = %d/%d, want 1/1", batch.TotalMatches, batch.TotalActions)
	}
	ghost := batch.Results[1]
	if ghost.RuleID != "ghost" {
		t.Errorf("second result is %q, want ghost", ghost.RuleID)
	}
	if len(ghost.Errors) != 1 || !strings.Contains(ghost.Errors[0].Message, "rule ghost") {
		t.Errorf("ghost errors = %v, want a lookup failure", ghost.Errors)
	}
}

func TestRunAllSkipsDisabledUnlessForced(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	off := closeRule("off", domainIs("example.com"))
	off.Enabled = false
	e := newEngine(m, closeRule("on", domainIs("example.com")), off)

	batch, err := e.RunAll(context.Background(), RunOpts{DryRun: true})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(batch.Results) != 1 || batch.Results[0].RuleID != "on" {
		t.Errorf("RunAll ran %v, want just [on]", batch.Results)
	}

	batch, err = e.RunAll(context.Background(), RunOpts{DryRun: true, Force: true})
	if err != nil {
		t.Fatalf("forced RunAll: %v", err)
	}
	if len(batch.Results) != 2 {
		t.Errorf("forced RunAll ran %d rules, want 2", len(batch.Results))
	}
}

func TestPreviewRuleHasNoSideEffects(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})
	m.AddTab(tabs.Tab{URL: "https://example.com/two"})

	// Disabled rules preview fine: preview exists to inspect before enabling.
	r := closeRule("r1", domainIs("example.com"))
	r.Enabled = false
	e := newEngine(m, r)

	p, err := e.PreviewRule(context.Background(), "r1")
	if err != nil {
		t.Fatalf("PreviewRule: %v", err)
	}
	if p.TotalMatches != 2 || len(p.ProposedActions) != 2 {
		t.Errorf("preview = %d matches / %d actions, want 2/2", p.TotalMatches, len(p.ProposedActions))
	}
	if got := m.Mutations(); got != 0 {
		t.Errorf("preview mutated the driver %d times", got)
	}

	recs, err := e.RunLog().List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("preview was recorded in the run log: %v", recs)
	}

	if _, err := e.PreviewRule(context.Background(), "ghost"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("ghost preview err = %v, want ErrRuleNotFound", err)
	}
}

func TestRunsAreRecorded(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	e := newEngine(m,
		ruleWith("a", domainIs("example.com"), actions.Record{Action: "mute"}),
		ruleWith("b", domainIs("example.com"), actions.Record{Action: "unmute"}),
	)

	if _, err := e.RunRule(context.Background(), "a", RunOpts{Trigger: rules.TriggerRepeat}); err != nil {
		t.Fatalf("run a: %v", err)
	}
	if _, err := e.RunRule(context.Background(), "b", RunOpts{}); err != nil {
		t.Fatalf("run b: %v", err)
	}

	recs, err := e.RunLog().List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("run log has %d records, want 2", len(recs))
	}
	if recs[0].RuleID != "b" || recs[1].RuleID != "a" {
		t.Errorf("records ordered %s,%s, want newest first", recs[0].RuleID, recs[1].RuleID)
	}
	if recs[1].Trigger != "repeat" {
		t.Errorf("record trigger = %q, want repeat", recs[1].Trigger)
	}

	var replay RuleRunResult
	if err := json.Unmarshal(recs[1].Result, &replay); err != nil {
		t.Fatalf("decode recorded result: %v", err)
	}
	if replay.RuleName != "a" || replay.TotalMatches != 1 {
		t.Errorf("recorded result = %+v, want rule a with 1 match", replay)
	}

	got, err := e.RunLog().Get(recs[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RuleID != "b" {
		t.Errorf("Get returned %q, want b", got.RuleID)
	}
}

func TestRunRulePanicIsFolded(t *testing.T) {
	e := newEngine(panickyDriver{driver.NewMemory()}, closeRule("r1", matchAll))

	res, err := e.RunRule(context.Background(), "r1", RunOpts{})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "fatal: panic") {
		t.Errorf("Errors = %v, want a folded panic", res.Errors)
	}

	// The wreck still lands in the run log.
	recs, err := e.RunLog().List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("run log has %d records, want 1", len(recs))
	}
}

func TestRunPublishesRuleRunEvent(t *testing.T) {
	m := driver.NewMemory()
	m.AddTab(tabs.Tab{URL: "https://example.com/one"})

	bus := events.NewBus(8)
	ch := bus.Subscribe("spy")
	defer bus.Unsubscribe("spy")

	e := New(Config{
		Driver: m,
		Rules:  staticRules(closeRule("r1", domainIs("example.com"))),
		Bus:    bus,
	})
	if _, err := e.RunRule(context.Background(), "r1", RunOpts{}); err != nil {
		t.Fatalf("RunRule: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.RuleRun || ev.RuleID != "r1" {
			t.Errorf("event = %+v, want rule.run for r1", ev)
		}
		if !strings.Contains(ev.Summary, "1 matched") {
			t.Errorf("summary = %q, want match count", ev.Summary)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rule.run event published")
	}
}

func TestStartPumpsTabEventsIntoTracker(t *testing.T) {
	bus := events.NewBus(8)
	spy := &notifierSpy{}
	e := New(Config{
		Driver:   driver.NewMemory(),
		Rules:    staticRules(),
		Bus:      bus,
		Notifier: spy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	bus.Publish(events.Event{Type: events.TabCreated, TabID: 7})
	waitFor(t, "tab 7 sighted", func() bool { return e.tracker.Len() == 1 })
	waitFor(t, "notifier poked", func() bool { return spy.count() == 1 })

	// Activation sights tabs whose creation event was missed.
	bus.Publish(events.Event{Type: events.TabActivated, TabID: 8})
	waitFor(t, "tab 8 sighted", func() bool { return e.tracker.Len() == 2 })

	bus.Publish(events.Event{Type: events.TabRemoved, TabID: 7})
	waitFor(t, "tab 7 dropped", func() bool { return e.tracker.Len() == 1 })

	if got := spy.count(); got != 1 {
		t.Errorf("notifier poked %d times, want 1 (created/updated only)", got)
	}
}

func TestSnapshotEnrichesTabs(t *testing.T) {
	m := driver.NewMemory()
	a := m.AddTab(tabs.Tab{URL: "https://example.com/page?utm_source=mail"})
	b := m.AddTab(tabs.Tab{URL: "https://example.com/page"})
	m.AddTab(tabs.Tab{URL: "https://github.com/x"})

	e := newEngine(m)
	enriched, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(enriched) != 3 {
		t.Fatalf("Snapshot returned %d tabs, want 3", len(enriched))
	}

	byID := make(map[int]*tabs.EnrichedTab)
	for _, et := range enriched {
		byID[et.ID] = et
		if et.CreatedAt.IsZero() {
			t.Errorf("tab %d missing stamped CreatedAt", et.ID)
		}
	}
	if !byID[a].IsDupe || !byID[b].IsDupe {
		t.Error("tracking-parameter variants should be duplicates")
	}
	if byID[a].DupeKey != byID[b].DupeKey {
		t.Errorf("dupe keys differ: %q vs %q", byID[a].DupeKey, byID[b].DupeKey)
	}
	if byID[a].Domain != "example.com" {
		t.Errorf("domain = %q, want example.com", byID[a].Domain)
	}
}

func TestCloseDuplicatesHonorsCallerWindow(t *testing.T) {
	m := driver.NewMemory()
	w1 := m.AddWindow()
	w2 := m.AddWindow()
	w1Keep := m.AddTab(tabs.Tab{WindowID: w1, URL: "https://example.com/page"})
	w1Dupe := m.AddTab(tabs.Tab{WindowID: w1, URL: "https://example.com/page?utm_source=x"})
	w2a := m.AddTab(tabs.Tab{WindowID: w2, URL: "https://example.com/page"})
	w2b := m.AddTab(tabs.Tab{WindowID: w2, URL: "https://example.com/page?fbclid=y"})

	e := newEngine(m, ruleWith("dedupe", matchAll,
		actions.Record{Action: "close-duplicates", Params: map[string]any{"scope": "window"}},
	))

	res, err := e.RunRule(context.Background(), "dedupe", RunOpts{CallerWindowID: w1})
	if err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if res.TotalMatches != 4 {
		t.Errorf("TotalMatches = %d, want 4", res.TotalMatches)
	}
	if res.TotalActions != 1 {
		t.Errorf("TotalActions = %d, want 1 close", res.TotalActions)
	}

	if _, ok := m.Tab(w1Dupe); ok {
		t.Errorf("tab %d should be closed as a duplicate", w1Dupe)
	}
	for _, id := range []int{w1Keep, w2a, w2b} {
		if _, ok := m.Tab(id); !ok {
			t.Errorf("tab %d outside the caller window was closed", id)
		}
	}
}
