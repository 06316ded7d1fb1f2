package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/tabwarden/internal/actions"
	"github.com/marcus-qen/tabwarden/internal/shared/duration"
)

// Rule is a stored tab-management rule. When keeps the condition document
// shape; ParseCondition and actions.Parse produce the typed forms at
// evaluation time. The engine never mutates a Rule.
type Rule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	When        json.RawMessage  `json:"when,omitempty"`
	Then        []actions.Record `json:"then"`
	Trigger     Trigger          `json:"trigger"`
	Flags       Flags            `json:"flags,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Flags tune rule evaluation.
type Flags struct {
	SkipPinned    *bool `json:"skipPinned,omitempty"`
	IncludePinned bool  `json:"includePinned,omitempty"`
	Test          bool  `json:"test,omitempty"`
}

// SkipsPinned reports whether pinned tabs are excluded from selection.
// Defaults to true; IncludePinned wins over an explicit SkipPinned.
func (f Flags) SkipsPinned() bool {
	if f.IncludePinned {
		return false
	}
	if f.SkipPinned != nil {
		return *f.SkipPinned
	}
	return true
}

// TriggerKind separates the trigger classes.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerRepeat    TriggerKind = "repeat"
	TriggerOnce      TriggerKind = "once"
	TriggerOnAction  TriggerKind = "on_action"
)

// Trigger is a rule's single trigger. The zero value (and an empty trigger
// document) means on_action: the rule only runs when invoked manually.
type Trigger struct {
	Kind TriggerKind
	// DebounceMs overrides the engine's default debounce for immediate
	// triggers. 0 keeps the default; values are clamped by the scheduler.
	DebounceMs int64
	// Every holds the repeat interval exactly as the document gave it:
	// a duration literal ("30m"), raw milliseconds, or a 5-field cron
	// expression.
	Every string
	// At is the absolute firing time of a once trigger.
	At time.Time
}

// UnmarshalJSON parses the document form: exactly one of
// {immediate, repeat_every, once_at, on_action}.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	seen := 0
	for _, key := range []string{"immediate", "repeat_every", "once_at", "on_action"} {
		if _, ok := node[key]; ok {
			seen++
		}
	}
	if seen > 1 {
		return fmt.Errorf("trigger: immediate, repeat_every, once_at and on_action are mutually exclusive")
	}

	*t = Trigger{}
	if raw, ok := node["immediate"]; ok {
		t.Kind = TriggerImmediate
		return t.parseImmediate(raw)
	}
	if raw, ok := node["repeat_every"]; ok {
		t.Kind = TriggerRepeat
		return t.parseRepeat(raw)
	}
	if raw, ok := node["once_at"]; ok {
		t.Kind = TriggerOnce
		return t.parseOnce(raw)
	}
	t.Kind = TriggerOnAction
	return nil
}

// MarshalJSON re-emits the document form.
func (t Trigger) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TriggerImmediate:
		if t.DebounceMs > 0 {
			return json.Marshal(map[string]any{"immediate": map[string]any{"debounce_ms": t.DebounceMs}})
		}
		return json.Marshal(map[string]any{"immediate": true})
	case TriggerRepeat:
		if ms, err := strconv.ParseInt(t.Every, 10, 64); err == nil {
			return json.Marshal(map[string]any{"repeat_every": ms})
		}
		return json.Marshal(map[string]any{"repeat_every": t.Every})
	case TriggerOnce:
		return json.Marshal(map[string]any{"once_at": t.At.UTC().Format(time.RFC3339)})
	}
	return json.Marshal(map[string]any{"on_action": true})
}

func (t *Trigger) parseImmediate(raw json.RawMessage) error {
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return nil
	}

	var opts struct {
		Debounce   any   `json:"debounce"`
		DebounceMs int64 `json:"debounce_ms"`
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return fmt.Errorf("trigger immediate: %w", err)
	}
	if opts.DebounceMs > 0 {
		t.DebounceMs = opts.DebounceMs
		return nil
	}
	switch v := opts.Debounce.(type) {
	case nil:
	case string:
		d, err := duration.Parse(v)
		if err != nil {
			return fmt.Errorf("trigger immediate: %w", err)
		}
		t.DebounceMs = d.Milliseconds()
	case float64:
		// Bare numbers in documents are seconds; everything downstream
		// of the parse boundary is milliseconds.
		t.DebounceMs = int64(v * 1000)
	default:
		return fmt.Errorf("trigger immediate: unsupported debounce value %T", v)
	}
	return nil
}

func (t *Trigger) parseRepeat(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return fmt.Errorf("trigger repeat_every: empty interval")
		}
		t.Every = s
		return nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return fmt.Errorf("trigger repeat_every: interval must be positive")
		}
		t.Every = strconv.FormatInt(ms, 10)
		return nil
	}
	return fmt.Errorf("trigger repeat_every: expected a duration or milliseconds")
}

func (t *Trigger) parseOnce(raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("trigger once_at: %w", err)
		}
		t.At = at.UTC()
		return nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		t.At = time.UnixMilli(ms).UTC()
		return nil
	}
	return fmt.Errorf("trigger once_at: expected an RFC3339 timestamp or unix milliseconds")
}

// ValidationError aggregates everything wrong with a rule document.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Issues, "; ")
}

// Validate checks a rule document: the condition tree parses, every action
// record parses, the trigger is complete. Unknown operators pass (they
// compile to never-match with a warning) and unknown action names pass
// (they report per-tab at execution time).
func Validate(rule *Rule) error {
	var issues []string

	if strings.TrimSpace(rule.Name) == "" {
		issues = append(issues, "name is required")
	}
	if _, err := ParseCondition(rule.When); err != nil {
		issues = append(issues, err.Error())
	}
	if len(rule.Then) == 0 {
		issues = append(issues, "then requires at least one action")
	}
	for i, rec := range rule.Then {
		if _, err := actions.Parse(rec); err != nil {
			issues = append(issues, fmt.Sprintf("action %d: %v", i, err))
		}
	}
	switch rule.Trigger.Kind {
	case TriggerRepeat:
		if rule.Trigger.Every == "" {
			issues = append(issues, "trigger repeat_every: empty interval")
		}
	case TriggerOnce:
		if rule.Trigger.At.IsZero() {
			issues = append(issues, "trigger once_at: timestamp is required")
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
