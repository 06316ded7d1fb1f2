package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordedRun struct {
	ruleID  string
	trigger rules.TriggerKind
}

// runRecorder captures fired runs. When block is non-nil each run waits
// on it before recording, so tests can hold a run in flight.
type runRecorder struct {
	mu    sync.Mutex
	calls []recordedRun
	block chan struct{}
}

func (r *runRecorder) run(_ context.Context, ruleID string, trigger rules.TriggerKind) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.calls = append(r.calls, recordedRun{ruleID: ruleID, trigger: trigger})
	r.mu.Unlock()
}

func (r *runRecorder) snapshot() []recordedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRun(nil), r.calls...)
}

func waitForRuns(t *testing.T, rec *runRecorder, want int) []recordedRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := rec.snapshot(); len(calls) >= want {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d runs, have %d", want, len(rec.snapshot()))
	return nil
}

// waitIdle blocks until no run is in flight, so a following tick cannot
// be dropped by the overlap guard.
func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.active)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for in-flight runs to finish")
}

func waitActive(t *testing.T, s *Scheduler, ruleID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, busy := s.active[ruleID]
		s.mu.Unlock()
		if busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for run to start")
}

func repeatRule(id, every string) rules.Rule {
	return rules.Rule{ID: id, Name: id, Enabled: true, Trigger: rules.Trigger{Kind: rules.TriggerRepeat, Every: every}}
}

func onceRule(id string, at time.Time) rules.Rule {
	return rules.Rule{ID: id, Name: id, Enabled: true, Trigger: rules.Trigger{Kind: rules.TriggerOnce, At: at}}
}

func immediateRule(id string, debounceMs int64) rules.Rule {
	return rules.Rule{ID: id, Name: id, Enabled: true, Trigger: rules.Trigger{Kind: rules.TriggerImmediate, DebounceMs: debounceMs}}
}

func loadPersisted(t *testing.T, kv storage.KV) []persistedTrigger {
	t.Helper()
	raw, ok, err := kv.Get(scheduledTriggersKey)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if !ok {
		return nil
	}
	var stored []persistedTrigger
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode persisted triggers: %v", err)
	}
	return stored
}

func TestRepeatFiresImmediatelyThenOnInterval(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)

	s.ApplyRule(repeatRule("cleanup", "30m"))

	s.runOnce(testNow)
	calls := waitForRuns(t, rec, 1)
	if calls[0].ruleID != "cleanup" || calls[0].trigger != rules.TriggerRepeat {
		t.Fatalf("unexpected first run: %+v", calls[0])
	}
	waitIdle(t, s)

	s.runOnce(testNow.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("fired before interval elapsed, runs = %d", got)
	}

	s.runOnce(testNow.Add(31 * time.Minute))
	waitForRuns(t, rec, 2)
}

func TestRepeatAcceptsRawMilliseconds(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)

	s.ApplyRule(repeatRule("fast", "60000"))

	s.runOnce(testNow)
	waitForRuns(t, rec, 1)
	waitIdle(t, s)

	s.runOnce(testNow.Add(59 * time.Second))
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("fired before 60s elapsed, runs = %d", got)
	}

	s.runOnce(testNow.Add(60 * time.Second))
	waitForRuns(t, rec, 2)
}

func TestDisabledAndManualRulesInstallNothing(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)

	disabled := repeatRule("disabled", "1m")
	disabled.Enabled = false
	s.ApplyRule(disabled)
	s.ApplyRule(rules.Rule{ID: "manual", Enabled: true, Trigger: rules.Trigger{Kind: rules.TriggerOnAction}})

	s.runOnce(testNow)
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected no runs, got %d", got)
	}
}

func TestOnceFiresWhenDueAndPurges(t *testing.T) {
	kv := storage.NewMemory()
	rec := &runRecorder{}
	s := NewScheduler(kv, rec.run, nil)

	s.ApplyRule(onceRule("reminder", testNow.Add(time.Hour)))

	stored := loadPersisted(t, kv)
	if len(stored) != 1 || stored[0].RuleID != "reminder" || stored[0].Type != "once" {
		t.Fatalf("unexpected persisted triggers: %+v", stored)
	}

	s.runOnce(testNow)
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("fired before due time, runs = %d", got)
	}

	s.runOnce(testNow.Add(2 * time.Hour))
	calls := waitForRuns(t, rec, 1)
	if calls[0].trigger != rules.TriggerOnce {
		t.Fatalf("trigger = %q, want once", calls[0].trigger)
	}
	waitIdle(t, s)

	if stored := loadPersisted(t, kv); len(stored) != 0 {
		t.Fatalf("persisted trigger not purged: %+v", stored)
	}

	s.runOnce(testNow.Add(3 * time.Hour))
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("one-shot fired twice, runs = %d", got)
	}
}

func TestInitRestoresPersistedOneShots(t *testing.T) {
	kv := storage.NewMemory()
	raw, err := json.Marshal([]persistedTrigger{
		{RuleID: "due", Time: testNow.Add(-time.Hour), Type: "once"},
		{RuleID: "future", Time: testNow.Add(time.Hour), Type: "once"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := kv.Set(scheduledTriggersKey, raw); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	rec := &runRecorder{}
	s := NewScheduler(kv, rec.run, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	s.runOnce(testNow)
	calls := waitForRuns(t, rec, 1)
	if calls[0].ruleID != "due" || calls[0].trigger != rules.TriggerOnce {
		t.Fatalf("unexpected run: %+v", calls[0])
	}
	waitIdle(t, s)

	stored := loadPersisted(t, kv)
	if len(stored) != 1 || stored[0].RuleID != "future" {
		t.Fatalf("future trigger should remain, got %+v", stored)
	}
}

func TestCollectDueOrdersLexicographically(t *testing.T) {
	s := NewScheduler(storage.NewMemory(), nil, nil)
	for _, id := range []string{"zeta", "alpha", "mike"} {
		s.ApplyRule(repeatRule(id, "1h"))
	}

	due := s.collectDue(testNow)
	want := []string{"alpha", "mike", "zeta"}
	if len(due) != len(want) {
		t.Fatalf("due = %d entries, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ruleID != id {
			t.Fatalf("due[%d] = %q, want %q", i, due[i].ruleID, id)
		}
	}
}

func TestInvalidScheduleNeverFires(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)

	s.ApplyRule(repeatRule("bad", "every other day"))
	s.ApplyRule(repeatRule("good", "1h"))

	s.runOnce(testNow)
	waitForRuns(t, rec, 1)
	waitIdle(t, s)
	time.Sleep(50 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].ruleID != "good" {
		t.Fatalf("only the valid schedule should fire, got %+v", calls)
	}
}

func TestScheduleImmediateDebounceResets(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)
	s.ApplyRule(immediateRule("watcher", 500))

	s.ScheduleImmediate("watcher", 0)
	time.Sleep(100 * time.Millisecond)
	s.ScheduleImmediate("watcher", 0)
	time.Sleep(100 * time.Millisecond)
	s.ScheduleImmediate("watcher", 0)
	lastCall := time.Now()

	calls := waitForRuns(t, rec, 1)
	if since := time.Since(lastCall); since < 450*time.Millisecond {
		t.Fatalf("debounce fired %v after last call, want >= 500ms", since)
	}
	if calls[0].ruleID != "watcher" || calls[0].trigger != rules.TriggerImmediate {
		t.Fatalf("unexpected run: %+v", calls[0])
	}

	// The window coalesced all three calls into one run.
	time.Sleep(600 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("coalesced calls produced %d runs, want 1", got)
	}
}

func TestNotifyTabEventSchedulesAllImmediateRules(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)
	s.ApplyRule(immediateRule("a", 500))
	s.ApplyRule(immediateRule("b", 500))
	s.ApplyRule(repeatRule("r", "1h"))

	s.NotifyTabEvent()

	calls := waitForRuns(t, rec, 2)
	seen := map[string]bool{}
	for _, c := range calls {
		if c.trigger != rules.TriggerImmediate {
			t.Fatalf("trigger = %q, want immediate", c.trigger)
		}
		seen[c.ruleID] = true
	}
	if !seen["a"] || !seen["b"] || seen["r"] {
		t.Fatalf("wrong rules fired: %v", seen)
	}
}

func TestClampDebounce(t *testing.T) {
	cases := []struct {
		ms   int64
		want time.Duration
	}{
		{0, 2 * time.Second},
		{-5, 2 * time.Second},
		{100, 500 * time.Millisecond},
		{500, 500 * time.Millisecond},
		{5000, 5 * time.Second},
		{30000, 30 * time.Second},
		{99999, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := clampDebounce(tc.ms); got != tc.want {
			t.Errorf("clampDebounce(%d) = %v, want %v", tc.ms, got, tc.want)
		}
	}
}

func TestOverlappingRunIsDropped(t *testing.T) {
	rec := &runRecorder{block: make(chan struct{})}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)
	s.ApplyRule(repeatRule("slow", "30m"))

	s.runOnce(testNow)
	waitActive(t, s, "slow")

	// Due again while the first run is stuck; the firing must be dropped.
	s.runOnce(testNow.Add(time.Hour))
	close(rec.block)

	waitForRuns(t, rec, 1)
	waitIdle(t, s)
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("overlapping firing not dropped, runs = %d", got)
	}

	s.runOnce(testNow.Add(2 * time.Hour))
	waitForRuns(t, rec, 2)
}

func TestRemoveRulePurgesOneShotAndTimers(t *testing.T) {
	kv := storage.NewMemory()
	rec := &runRecorder{}
	s := NewScheduler(kv, rec.run, nil)

	s.ApplyRule(onceRule("reminder", testNow.Add(time.Hour)))
	if stored := loadPersisted(t, kv); len(stored) != 1 {
		t.Fatalf("expected persisted trigger, got %+v", stored)
	}

	s.RemoveRule("reminder")
	if stored := loadPersisted(t, kv); len(stored) != 0 {
		t.Fatalf("persisted trigger not purged: %+v", stored)
	}
	s.RemoveRule("reminder") // idempotent

	s.ApplyRule(immediateRule("watcher", 500))
	s.ScheduleImmediate("watcher", 0)
	s.RemoveRule("watcher")

	time.Sleep(600 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("removed rule still fired, runs = %d", got)
	}
}

func TestApplyRuleReplacesExistingTrigger(t *testing.T) {
	kv := storage.NewMemory()
	rec := &runRecorder{}
	s := NewScheduler(kv, rec.run, nil)

	s.ApplyRule(onceRule("shifty", testNow.Add(time.Hour)))
	if stored := loadPersisted(t, kv); len(stored) != 1 {
		t.Fatalf("expected persisted trigger, got %+v", stored)
	}

	// Re-apply as repeat: the one-shot and its persistence must go.
	s.ApplyRule(repeatRule("shifty", "1h"))
	if stored := loadPersisted(t, kv); len(stored) != 0 {
		t.Fatalf("stale one-shot persisted: %+v", stored)
	}

	s.runOnce(testNow)
	calls := waitForRuns(t, rec, 1)
	if calls[0].trigger != rules.TriggerRepeat {
		t.Fatalf("trigger = %q, want repeat", calls[0].trigger)
	}
}

func TestStopAllKeepsPersistedOneShots(t *testing.T) {
	kv := storage.NewMemory()
	rec := &runRecorder{}
	s := NewScheduler(kv, rec.run, nil)

	s.ApplyRule(onceRule("survivor", testNow.Add(-time.Minute)))
	s.StopAll()

	s.runOnce(testNow)
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("cleared trigger fired, runs = %d", got)
	}
	if stored := loadPersisted(t, kv); len(stored) != 1 {
		t.Fatalf("persisted trigger lost on StopAll: %+v", stored)
	}

	// A fresh process restores and fires it.
	rec2 := &runRecorder{}
	s2 := NewScheduler(kv, rec2.run, nil)
	if err := s2.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	s2.runOnce(testNow)
	waitForRuns(t, rec2, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	rec := &runRecorder{}
	s := NewScheduler(storage.NewMemory(), rec.run, nil)
	s.ApplyRule(repeatRule("tick", "1h"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second call is a no-op

	// Start runs an immediate pass, so the never-run rule fires without
	// waiting for a tick.
	waitForRuns(t, rec, 1)

	s.Stop()
	s.Stop() // idempotent
}

func TestScheduleDue(t *testing.T) {
	cases := []struct {
		name     string
		schedule string
		lastRun  time.Time
		now      time.Time
		want     bool
		wantErr  bool
	}{
		{name: "empty schedule", schedule: "", wantErr: true},
		{name: "never run is due", schedule: "1h", now: testNow, want: true},
		{name: "literal not yet due", schedule: "30m", lastRun: testNow, now: testNow.Add(29 * time.Minute), want: false},
		{name: "literal due on boundary", schedule: "30m", lastRun: testNow, now: testNow.Add(30 * time.Minute), want: true},
		{name: "days literal", schedule: "2d", lastRun: testNow, now: testNow.Add(49 * time.Hour), want: true},
		{name: "go duration", schedule: "90s", lastRun: testNow, now: testNow.Add(89 * time.Second), want: false},
		{name: "raw milliseconds", schedule: "60000", lastRun: testNow, now: testNow.Add(time.Minute), want: true},
		{name: "zero interval", schedule: "0", lastRun: testNow, now: testNow, wantErr: true},
		{name: "cron waits for boundary", schedule: "0 * * * *", lastRun: testNow, now: testNow.Add(59 * time.Minute), want: false},
		{name: "cron due on boundary", schedule: "0 * * * *", lastRun: testNow, now: testNow.Add(time.Hour), want: true},
		{name: "garbage", schedule: "every other day", lastRun: testNow, now: testNow, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scheduleDue(tc.schedule, tc.lastRun, tc.now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got due=%v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("scheduleDue: %v", err)
			}
			if got != tc.want {
				t.Fatalf("due = %v, want %v", got, tc.want)
			}
		})
	}
}
