// Package engine is the orchestrator: a trigger fires (timer, tab
// event, or API call), the engine snapshots and enriches the tab set,
// evaluates the rule's condition, and hands the matched tabs to the
// action dispatcher. Every run produces a RuleRunResult and a run log
// record; no failure escapes as a panic.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/actions"
	"github.com/marcus-qen/tabwarden/internal/driver"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/metrics"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// RuleLoader supplies the current rule set. The engine re-reads on
// every run, so host mutations take effect without extra wiring.
type RuleLoader func() ([]rules.Rule, error)

// Notifier receives tab-change notifications for debounced immediate
// triggers.
type Notifier interface {
	NotifyTabEvent()
}

// Config assembles an engine. Driver and Rules are required; everything
// else has a working default.
type Config struct {
	Driver     driver.Driver
	Rules      RuleLoader
	Snoozer    actions.Snoozer
	RunLog     RunLog
	Bus        *events.Bus
	Categories *tabs.CategoryTable
	Notifier   Notifier
	Logger     *zap.Logger
}

// Engine runs rules against live tab snapshots. One mutex serializes
// runs: matched sets are never shared between two evaluations.
type Engine struct {
	drv        driver.Driver
	loadRules  RuleLoader
	dispatcher *actions.Dispatcher
	runlog     RunLog
	bus        *events.Bus
	notifier   Notifier
	tracker    *tabs.Tracker
	builder    *tabs.IndexBuilder
	tracer     trace.Tracer
	logger     *zap.Logger

	mu sync.Mutex
}

// New creates an engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runlog := cfg.RunLog
	if runlog == nil {
		runlog = NewMemoryRunLog(0)
	}
	return &Engine{
		drv:        cfg.Driver,
		loadRules:  cfg.Rules,
		dispatcher: actions.NewDispatcher(cfg.Driver, cfg.Snoozer, logger),
		runlog:     runlog,
		bus:        cfg.Bus,
		notifier:   cfg.Notifier,
		tracker:    tabs.NewTracker(),
		builder:    tabs.NewIndexBuilder(cfg.Categories),
		tracer:     otel.Tracer("tabwarden/engine"),
		logger:     logger,
	}
}

// RunOpts controls one rule run.
type RunOpts struct {
	// Trigger records what fired the run; empty means on_action.
	Trigger rules.TriggerKind
	// Force evaluates the rule even when disabled.
	Force bool
	// DryRun previews without issuing driver mutations.
	DryRun bool
	// CallerWindowID scopes window-relative actions for API callers.
	CallerWindowID int
}

// RunError is one entry of a result's error list.
type RunError struct {
	TabID   int    `json:"tabId,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

// RuleRunResult aggregates one run. TotalActions always equals
// len(Actions), and every failed action reappears in Errors.
type RuleRunResult struct {
	RuleID       string                    `json:"ruleId"`
	RuleName     string                    `json:"ruleName,omitempty"`
	Trigger      rules.TriggerKind         `json:"trigger"`
	DryRun       bool                      `json:"dryRun,omitempty"`
	Matches      []int                     `json:"matches"`
	Actions      []actions.PerActionResult `json:"actions"`
	TotalMatches int                       `json:"totalMatches"`
	TotalActions int                       `json:"totalActions"`
	Errors       []RunError                `json:"errors"`
	DurationMs   int64                     `json:"durationMs"`
	StartedAt    time.Time                 `json:"startedAt"`
}

// BatchResult aggregates a RunRules call.
type BatchResult struct {
	Results      []RuleRunResult `json:"results"`
	TotalMatches int             `json:"totalMatches"`
	TotalActions int             `json:"totalActions"`
}

// Preview is the read-only evaluation surface: what the rule would
// match and do right now. Previews are not recorded in the run log.
type Preview struct {
	RuleID          string                    `json:"ruleId"`
	RuleName        string                    `json:"ruleName,omitempty"`
	Matches         []int                     `json:"matches"`
	TotalMatches    int                       `json:"totalMatches"`
	ProposedActions []actions.PerActionResult `json:"proposedActions"`
	Errors          []RunError                `json:"errors,omitempty"`
}

// RunRule evaluates and executes one rule. Lookup misses and disabled
// rules surface as errors; once a rule is actually evaluated, every
// failure is folded into the result instead.
func (e *Engine) RunRule(ctx context.Context, ruleID string, opts RunOpts) (RuleRunResult, error) {
	rule, err := e.findRule(ruleID)
	if err != nil {
		return RuleRunResult{}, err
	}
	if !rule.Enabled && !opts.Force {
		return RuleRunResult{}, fmt.Errorf("rule %s: %w", ruleID, ErrRuleDisabled)
	}
	return e.execute(ctx, *rule, opts, true), nil
}

// RunRules executes several rules sequentially in the supplied order.
// Lookup and disabled-rule failures fold into that rule's result so one
// bad id never aborts the batch.
func (e *Engine) RunRules(ctx context.Context, ruleIDs []string, opts RunOpts) (BatchResult, error) {
	if opts.Trigger == "" {
		opts.Trigger = rules.TriggerOnAction
	}

	var batch BatchResult
	for _, id := range ruleIDs {
		res, err := e.RunRule(ctx, id, opts)
		if err != nil {
			res = RuleRunResult{
				RuleID:    id,
				Trigger:   opts.Trigger,
				DryRun:    opts.DryRun,
				Matches:   []int{},
				Actions:   []actions.PerActionResult{},
				Errors:    []RunError{{Message: err.Error()}},
				StartedAt: time.Now().UTC(),
			}
		}
		batch.Results = append(batch.Results, res)
		batch.TotalMatches += res.TotalMatches
		batch.TotalActions += res.TotalActions
	}
	return batch, nil
}

// RunAll executes every enabled rule in store order. With opts.Force
// disabled rules run too.
func (e *Engine) RunAll(ctx context.Context, opts RunOpts) (BatchResult, error) {
	list, err := e.rules()
	if err != nil {
		return BatchResult{}, err
	}
	ids := make([]string, 0, len(list))
	for _, r := range list {
		if r.Enabled || opts.Force {
			ids = append(ids, r.ID)
		}
	}
	return e.RunRules(ctx, ids, opts)
}

// PreviewRule evaluates a rule without side effects: dry-run dispatch,
// no run log record, disabled rules included.
func (e *Engine) PreviewRule(ctx context.Context, ruleID string) (Preview, error) {
	rule, err := e.findRule(ruleID)
	if err != nil {
		return Preview{}, err
	}
	res := e.execute(ctx, *rule, RunOpts{Trigger: rules.TriggerOnAction, DryRun: true, Force: true}, false)
	return Preview{
		RuleID:          res.RuleID,
		RuleName:        res.RuleName,
		Matches:         res.Matches,
		TotalMatches:    res.TotalMatches,
		ProposedActions: res.Actions,
		Errors:          res.Errors,
	}, nil
}

// Snapshot returns the current enriched tab set without evaluating any
// rule. Used by the read-only API surfaces.
func (e *Engine) Snapshot(ctx context.Context) ([]*tabs.EnrichedTab, error) {
	now := time.Now().UTC()
	snapshot, err := e.drv.QueryTabs(ctx, driver.TabFilter{})
	if err != nil {
		return nil, &Error{Kind: KindDriver, Err: fmt.Errorf("query tabs: %w", err)}
	}
	enriched, _ := e.builder.Build(e.tracker.Stamp(snapshot, now), now)
	return enriched, nil
}

// RunLog exposes the run history for the API surfaces.
func (e *Engine) RunLog() RunLog { return e.runlog }

// Start subscribes the engine to the event bus: tab lifecycle events
// feed the time tracker and the immediate-trigger notifier. The pump
// stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	if e.bus == nil {
		return
	}
	ch := e.bus.Subscribe("engine")
	go func() {
		defer e.bus.Unsubscribe("engine")
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.handleEvent(ev)
			}
		}
	}()
}

func (e *Engine) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.TabCreated, events.TabUpdated:
		e.tracker.Sighted(ev.TabID, eventTime(ev))
		if e.notifier != nil {
			e.notifier.NotifyTabEvent()
		}
	case events.TabActivated:
		e.tracker.Activated(ev.TabID, eventTime(ev))
	case events.TabRemoved:
		e.tracker.Removed(ev.TabID)
	}
}

func eventTime(ev events.Event) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return time.Now().UTC()
}

// execute runs one evaluated rule under the engine mutex. The deferred
// recover folds panics into the result, so execute always returns.
func (e *Engine) execute(ctx context.Context, rule rules.Rule, opts RunOpts, record bool) (res RuleRunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.Trigger == "" {
		opts.Trigger = rules.TriggerOnAction
	}
	start := time.Now()
	now := start.UTC()

	res = RuleRunResult{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Trigger:   opts.Trigger,
		DryRun:    opts.DryRun,
		Matches:   []int{},
		Actions:   []actions.PerActionResult{},
		Errors:    []RunError{},
		StartedAt: now,
	}

	ctx, span := e.tracer.Start(ctx, "engine.run_rule", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("trigger", string(opts.Trigger)),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule run panicked", zap.String("rule_id", rule.ID), zap.Any("panic", r))
			res.Errors = append(res.Errors, RunError{Message: Errorf(KindFatal, "panic: %v", r).Error()})
		}
		res.DurationMs = time.Since(start).Milliseconds()
		if record {
			e.finishRun(&res)
		}
	}()

	matched, runErrs := e.selectMatches(ctx, rule, now)
	res.Errors = append(res.Errors, runErrs...)
	for _, t := range matched {
		res.Matches = append(res.Matches, t.ID)
	}
	res.TotalMatches = len(matched)

	results, conflicts := e.dispatcher.Execute(ctx, rule.Then, matched, actions.ExecuteOpts{
		DryRun:         opts.DryRun,
		Now:            now,
		CallerWindowID: opts.CallerWindowID,
	})
	res.Actions = results
	res.TotalActions = len(results)

	for _, c := range conflicts {
		res.Errors = append(res.Errors, RunError{
			Action:  fmt.Sprintf("%s/%s", c.First, c.Second),
			Message: Errorf(KindConflict, "%s", c.Reason).Error(),
		})
	}
	for _, r := range results {
		if !r.Success {
			res.Errors = append(res.Errors, RunError{TabID: r.TabID, Action: r.Action, Message: r.Error})
		}
	}
	return res
}

// selectMatches snapshots, enriches, and filters the tab set for one
// rule. Failures surface as run errors with an empty match set.
func (e *Engine) selectMatches(ctx context.Context, rule rules.Rule, now time.Time) ([]*tabs.EnrichedTab, []RunError) {
	cond, err := rules.ParseCondition(rule.When)
	if err != nil {
		return nil, []RunError{{Message: Errorf(KindValidation, "parse condition: %v", err).Error()}}
	}

	snapshot, err := e.drv.QueryTabs(ctx, driver.TabFilter{})
	if err != nil {
		return nil, []RunError{{Message: Errorf(KindDriver, "query tabs: %v", err).Error()}}
	}

	enriched, indices := e.builder.Build(e.tracker.Stamp(snapshot, now), now)
	pred := rules.Compile(cond, e.logger)
	ev := &rules.Eval{Indices: indices, Now: now}

	skipPinned := rule.Flags.SkipsPinned()
	var matched []*tabs.EnrichedTab
	for _, t := range enriched {
		if skipPinned && t.Pinned {
			continue
		}
		if pred(t, ev) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// finishRun records metrics, the run log entry, and the bus event for a
// completed run.
func (e *Engine) finishRun(res *RuleRunResult) {
	outcome := "ok"
	if len(res.Errors) > 0 {
		outcome = "error"
	}
	metrics.RecordRuleRun(string(res.Trigger), outcome, float64(res.DurationMs)/1000)
	metrics.RecordRuleMatches(res.TotalMatches)
	for _, a := range res.Actions {
		metrics.RecordAction(a.Action, a.Success)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		e.logger.Warn("encode run result failed", zap.Error(err))
		raw = []byte("{}")
	}
	if err := e.runlog.Append(RunRecord{
		RuleID:     res.RuleID,
		RuleName:   res.RuleName,
		Trigger:    string(res.Trigger),
		DryRun:     res.DryRun,
		Result:     raw,
		DurationMs: res.DurationMs,
		StartedAt:  res.StartedAt,
	}); err != nil {
		e.logger.Warn("append run log failed", zap.String("rule_id", res.RuleID), zap.Error(err))
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.RuleRun,
			RuleID:  res.RuleID,
			Summary: fmt.Sprintf("%d matched, %d actions", res.TotalMatches, res.TotalActions),
		})
	}

	e.logger.Info("rule run complete",
		zap.String("rule_id", res.RuleID),
		zap.String("trigger", string(res.Trigger)),
		zap.Bool("dry_run", res.DryRun),
		zap.Int("matches", res.TotalMatches),
		zap.Int("actions", res.TotalActions),
		zap.Int("errors", len(res.Errors)),
		zap.Int64("duration_ms", res.DurationMs),
	)
}

func (e *Engine) findRule(ruleID string) (*rules.Rule, error) {
	list, err := e.rules()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == ruleID {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
}

func (e *Engine) rules() ([]rules.Rule, error) {
	if e.loadRules == nil {
		return nil, Errorf(KindStorage, "no rule loader configured")
	}
	list, err := e.loadRules()
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("load rules: %w", err)}
	}
	return list, nil
}
