// Package scheduler owns the trigger timer table: debounced immediate
// runs, repeat intervals, and persisted one-shot firings.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/tabwarden/internal/metrics"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/shared/duration"
	"github.com/marcus-qen/tabwarden/internal/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// tickInterval bounds one-shot and repeat firing latency without
	// busy-waiting. Debounced immediate runs use their own timers.
	tickInterval = time.Second

	defaultDebounceMs = int64(2000)
	minDebounceMs     = int64(500)
	maxDebounceMs     = int64(30000)

	scheduledTriggersKey = "scheduledTriggers"
)

// RunFunc executes one rule run. The scheduler calls it fire-and-forget
// on its own goroutine; the implementation records its own result.
type RunFunc func(ctx context.Context, ruleID string, trigger rules.TriggerKind)

// persistedTrigger is the stored form of a pending one-shot.
type persistedTrigger struct {
	RuleID string    `json:"ruleId"`
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
}

// entry is one rule's installed repeat or once trigger.
type entry struct {
	kind     rules.TriggerKind
	schedule string    // repeat: duration literal, raw ms, or cron spec
	lastRun  time.Time // repeat: zero until the first firing
	at       time.Time // once: absolute firing time
}

// Scheduler decides when rules run. All timer state lives behind one
// mutex; a trigger firing for a rule whose run is still in flight is
// dropped.
type Scheduler struct {
	kv     storage.KV
	run    RunFunc
	logger *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	ticker    *time.Ticker
	defaultMs int64                  // debounce for rules that set none (0 = built-in)
	entries   map[string]*entry      // ruleID -> repeat/once trigger
	debounce  map[string]*time.Timer // ruleID -> pending immediate timer
	immediate map[string]int64       // ruleID -> configured debounce ms (0 = default)
	active    map[string]struct{}    // ruleIDs with a run in flight
	wg        sync.WaitGroup
}

// NewScheduler creates a trigger scheduler. kv may be nil, in which
// case one-shots survive only the current process.
func NewScheduler(kv storage.KV, run RunFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		kv:        kv,
		run:       run,
		logger:    logger,
		entries:   make(map[string]*entry),
		debounce:  make(map[string]*time.Timer),
		immediate: make(map[string]int64),
		active:    make(map[string]struct{}),
	}
}

// SetDefaultDebounce replaces the built-in debounce applied to rules
// that configure none. The value still clamps to the allowed range.
func (s *Scheduler) SetDefaultDebounce(ms int64) {
	s.mu.Lock()
	s.defaultMs = ms
	s.mu.Unlock()
}

// Init loads one-shots persisted by an earlier process. Triggers whose
// time has passed fire on the next tick; future ones wait until due.
// Call before Start.
func (s *Scheduler) Init() error {
	if s.kv == nil {
		return nil
	}
	raw, ok, err := s.kv.Get(scheduledTriggersKey)
	if err != nil {
		return fmt.Errorf("load scheduled triggers: %w", err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}

	var stored []persistedTrigger
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode scheduled triggers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range stored {
		if p.RuleID == "" || p.Time.IsZero() {
			continue
		}
		s.entries[p.RuleID] = &entry{kind: rules.TriggerOnce, at: p.Time.UTC()}
	}
	s.gaugeLocked()
	return nil
}

// Start launches the tick loop. Safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(tickInterval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(now.UTC())
			}
		}
	}()
}

// Stop halts the tick loop and clears every in-memory timer. Persisted
// one-shots stay in storage for the next process; in-flight runs are
// not aborted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.StopAll()
	s.wg.Wait()
}

// StopAll clears every timer and trigger registration without touching
// persisted one-shots, so a later Init sees them again. Rules must be
// re-applied afterwards.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.debounce {
		t.Stop()
		delete(s.debounce, id)
	}
	s.entries = make(map[string]*entry)
	s.immediate = make(map[string]int64)
	s.gaugeLocked()
}

// ApplyRule cancels all timers for the rule and re-installs from its
// trigger. Disabled rules and on_action triggers install nothing.
func (s *Scheduler) ApplyRule(r rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.removeLocked(r.ID)

	if r.Enabled {
		switch r.Trigger.Kind {
		case rules.TriggerImmediate:
			s.immediate[r.ID] = r.Trigger.DebounceMs
		case rules.TriggerRepeat:
			s.entries[r.ID] = &entry{kind: rules.TriggerRepeat, schedule: r.Trigger.Every}
		case rules.TriggerOnce:
			if r.Trigger.At.IsZero() {
				s.logger.Warn("once trigger without a time", zap.String("rule_id", r.ID))
			} else {
				s.entries[r.ID] = &entry{kind: rules.TriggerOnce, at: r.Trigger.At.UTC()}
				changed = true
			}
		case rules.TriggerOnAction:
			// Manual runs only; no timer.
		}
	}

	if changed {
		s.persistLocked()
	}
	s.gaugeLocked()
}

// RemoveRule cancels the rule's timers and purges its persisted
// one-shot, if any. Safe to call for unknown rules; an in-flight run is
// not aborted.
func (s *Scheduler) RemoveRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(ruleID) {
		s.persistLocked()
	}
	s.gaugeLocked()
}

// removeLocked drops every timer for the rule and reports whether a
// persisted one-shot was removed. Callers hold s.mu.
func (s *Scheduler) removeLocked(ruleID string) bool {
	if t, ok := s.debounce[ruleID]; ok {
		t.Stop()
		delete(s.debounce, ruleID)
	}
	delete(s.immediate, ruleID)

	e, ok := s.entries[ruleID]
	if !ok {
		return false
	}
	delete(s.entries, ruleID)
	return e.kind == rules.TriggerOnce
}

// NotifyTabEvent schedules a debounced run for every rule holding an
// immediate trigger. The orchestrator calls it on tab created and
// updated events.
func (s *Scheduler) NotifyTabEvent() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.immediate))
	for id := range s.immediate {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		s.ScheduleImmediate(id, 0)
	}
}

// ScheduleImmediate schedules a debounced run for one rule, resetting
// any pending window so only the last call's timer remains. overrideMs,
// when positive, replaces the rule's configured debounce for this call.
func (s *Scheduler) ScheduleImmediate(ruleID string, overrideMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := overrideMs
	if ms <= 0 {
		ms = s.immediate[ruleID]
	}
	if ms <= 0 {
		ms = s.defaultMs
	}
	if t, ok := s.debounce[ruleID]; ok {
		t.Stop()
	}
	s.debounce[ruleID] = time.AfterFunc(clampDebounce(ms), func() {
		s.mu.Lock()
		delete(s.debounce, ruleID)
		s.mu.Unlock()
		s.fire(ruleID, rules.TriggerImmediate)
	})
}

// runOnce fires every due repeat and once entry. The tick loop drives
// it with the wall clock; tests drive it with a fixed one.
func (s *Scheduler) runOnce(now time.Time) {
	for _, d := range s.collectDue(now) {
		s.fire(d.ruleID, d.kind)
	}
}

type dueTrigger struct {
	ruleID string
	kind   rules.TriggerKind
}

// collectDue claims the tick's due triggers: repeat entries advance
// lastRun, once entries are removed and the persisted list rewritten.
// Firing order is lexicographic by rule ID.
func (s *Scheduler) collectDue(now time.Time) []dueTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []dueTrigger
	persist := false
	for id, e := range s.entries {
		switch e.kind {
		case rules.TriggerRepeat:
			ok, err := scheduleDue(e.schedule, e.lastRun, now)
			if err != nil {
				s.logger.Warn("invalid repeat schedule",
					zap.String("rule_id", id),
					zap.String("schedule", e.schedule),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
			e.lastRun = now
			due = append(due, dueTrigger{ruleID: id, kind: rules.TriggerRepeat})
		case rules.TriggerOnce:
			if e.at.After(now) {
				continue
			}
			delete(s.entries, id)
			persist = true
			due = append(due, dueTrigger{ruleID: id, kind: rules.TriggerOnce})
		}
	}
	if persist {
		s.persistLocked()
		s.gaugeLocked()
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ruleID < due[j].ruleID })
	return due
}

// fire launches one rule run unless one is already in flight, in which
// case the trigger is dropped. Runs are not tied to the tick loop's
// context: stopping the scheduler never aborts a run already started.
func (s *Scheduler) fire(ruleID string, kind rules.TriggerKind) {
	if s.run == nil {
		return
	}
	if !s.claim(ruleID) {
		s.logger.Debug("run already in flight, coalescing",
			zap.String("rule_id", ruleID),
			zap.String("trigger", string(kind)),
		)
		return
	}

	go func() {
		defer s.release(ruleID)
		s.run(context.Background(), ruleID, kind)
	}()
}

func (s *Scheduler) claim(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[ruleID]; busy {
		return false
	}
	s.active[ruleID] = struct{}{}
	return true
}

func (s *Scheduler) release(ruleID string) {
	s.mu.Lock()
	delete(s.active, ruleID)
	s.mu.Unlock()
}

// gaugeLocked refreshes the installed-trigger gauges from the timer
// tables. Callers hold s.mu.
func (s *Scheduler) gaugeLocked() {
	repeat, once := 0, 0
	for _, e := range s.entries {
		switch e.kind {
		case rules.TriggerRepeat:
			repeat++
		case rules.TriggerOnce:
			once++
		}
	}
	metrics.SetSchedulerTimers(string(rules.TriggerImmediate), len(s.immediate))
	metrics.SetSchedulerTimers(string(rules.TriggerRepeat), repeat)
	metrics.SetSchedulerTimers(string(rules.TriggerOnce), once)
}

// persistLocked rewrites the stored one-shot list from the entry table.
// Storage failures are logged, not fatal: the in-memory table stays
// authoritative for this process. Callers hold s.mu.
func (s *Scheduler) persistLocked() {
	if s.kv == nil {
		return
	}

	var pending []persistedTrigger
	for id, e := range s.entries {
		if e.kind != rules.TriggerOnce {
			continue
		}
		pending = append(pending, persistedTrigger{RuleID: id, Time: e.at, Type: "once"})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RuleID < pending[j].RuleID })

	if len(pending) == 0 {
		if err := s.kv.Remove(scheduledTriggersKey); err != nil {
			s.logger.Warn("clear scheduled triggers failed", zap.Error(err))
		}
		return
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		s.logger.Warn("encode scheduled triggers failed", zap.Error(err))
		return
	}
	if err := s.kv.Set(scheduledTriggersKey, raw); err != nil {
		s.logger.Warn("save scheduled triggers failed", zap.Error(err))
	}
}

// clampDebounce normalizes a debounce request: zero or negative means
// the default, everything clamps to [500ms, 30s].
func clampDebounce(ms int64) time.Duration {
	if ms <= 0 {
		ms = defaultDebounceMs
	}
	if ms < minDebounceMs {
		ms = minDebounceMs
	}
	if ms > maxDebounceMs {
		ms = maxDebounceMs
	}
	return time.Duration(ms) * time.Millisecond
}

// scheduleDue reports whether a repeat schedule has a firing at or
// before now. A valid schedule that has never fired is immediately due.
func scheduleDue(schedule string, lastRun, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	if interval, err := duration.Parse(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		if lastRun.IsZero() {
			return true, nil
		}
		return !lastRun.Add(interval).After(now), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	if lastRun.IsZero() {
		return true, nil
	}
	return !spec.Next(lastRun).After(now), nil
}
