package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/shared/duration"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

// Predicate reports whether an enriched tab matches a compiled condition.
type Predicate func(t *tabs.EnrichedTab, ev *Eval) bool

// Eval is the snapshot context predicates consult for count paths and
// elapsed-time comparisons.
type Eval struct {
	Indices *tabs.Indices
	Now     time.Time
}

// Compile lowers a parsed condition tree into a predicate. Compile never
// fails: unknown operators and invalid regexes become a never-matching
// predicate with a warning, so one bad subtree cannot take down the rest
// of the rule set.
func Compile(cond Condition, logger *zap.Logger) Predicate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return compileNode(cond, logger)
}

// regexBudget caps pattern length at compile time. RE2 match cost grows
// with compiled program size, so bounding the pattern bounds the per-tab
// cost too.
var regexBudget = 1024

// SetRegexBudget replaces the pattern-length cap for regex conditions.
// Call before compiling rules; n <= 0 is ignored.
func SetRegexBudget(n int) {
	if n > 0 {
		regexBudget = n
	}
}

func matchNone(*tabs.EnrichedTab, *Eval) bool { return false }

func compileNode(cond Condition, logger *zap.Logger) Predicate {
	switch node := cond.(type) {
	case All:
		if len(node.Children) == 0 {
			return matchNone
		}
		children := compileChildren(node.Children, logger)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			for _, child := range children {
				if !child(t, ev) {
					return false
				}
			}
			return true
		}
	case Any:
		children := compileChildren(node.Children, logger)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			for _, child := range children {
				if child(t, ev) {
					return true
				}
			}
			return false
		}
	case None:
		children := compileChildren(node.Children, logger)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			for _, child := range children {
				if child(t, ev) {
					return false
				}
			}
			return true
		}
	case Not:
		child := compileNode(node.Child, logger)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			return !child(t, ev)
		}
	case Compare:
		return compileCompare(node, logger)
	}
	logger.Warn("unknown condition node, it will never match",
		zap.String("type", fmt.Sprintf("%T", cond)))
	return matchNone
}

func compileChildren(children []Condition, logger *zap.Logger) []Predicate {
	out := make([]Predicate, len(children))
	for i, child := range children {
		out[i] = compileNode(child, logger)
	}
	return out
}

func compileCompare(c Compare, logger *zap.Logger) Predicate {
	path := c.Path
	value := coerceValue(path, c.Value)

	switch c.Op {
	case OpEq, OpIs:
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			lhs, ok := resolve(t, ev, path)
			if !ok {
				return false
			}
			return looseEqual(lhs, value)
		}
	case OpNeq:
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			lhs, ok := resolve(t, ev, path)
			if !ok {
				return true
			}
			return !looseEqual(lhs, value)
		}
	case OpGt, OpGte, OpLt, OpLte:
		op := c.Op
		rhs, rhsNumeric := asNumber(value)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			if !rhsNumeric {
				return false
			}
			lhs, ok := resolve(t, ev, path)
			if !ok {
				return false
			}
			n, numeric := asNumber(lhs)
			if !numeric {
				return false
			}
			switch op {
			case OpGt:
				return n > rhs
			case OpGte:
				return n >= rhs
			case OpLt:
				return n < rhs
			default:
				return n <= rhs
			}
		}
	case OpContains:
		return stringPredicate(path, value, strings.Contains)
	case OpStartsWith:
		return stringPredicate(path, value, strings.HasPrefix)
	case OpEndsWith:
		return stringPredicate(path, value, strings.HasSuffix)
	case OpNotContains:
		needle, isString := value.(string)
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			lhs, ok := resolveString(t, ev, path)
			if !ok {
				return true
			}
			if !isString {
				return false
			}
			return !strings.Contains(lhs, needle)
		}
	case OpRegex, OpNotRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			logger.Warn("regex condition needs a string pattern, it will never match",
				zap.String("path", path))
			return matchNone
		}
		if len(pattern) > regexBudget {
			logger.Warn("regex pattern exceeds the length budget, it will never match",
				zap.String("path", path),
				zap.Int("length", len(pattern)),
				zap.Int("budget", regexBudget))
			return matchNone
		}
		re, err := regexp.Compile(stripSlashes(pattern))
		if err != nil {
			logger.Warn("invalid regex in condition, it will never match",
				zap.String("path", path),
				zap.String("pattern", pattern),
				zap.Error(err))
			return matchNone
		}
		negate := c.Op == OpNotRegex
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			lhs, ok := resolveString(t, ev, path)
			if !ok {
				return false
			}
			matched := re.MatchString(lhs)
			if negate {
				return !matched
			}
			return matched
		}
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			logger.Warn("in condition needs an array value, it will never match",
				zap.String("operator", string(c.Op)),
				zap.String("path", path))
			return matchNone
		}
		members := make([]any, len(list))
		for i, item := range list {
			members[i] = coerceValue(path, item)
		}
		negate := c.Op == OpNotIn
		return func(t *tabs.EnrichedTab, ev *Eval) bool {
			lhs, ok := resolve(t, ev, path)
			if !ok {
				return false
			}
			found := false
			for _, member := range members {
				if looseEqual(lhs, member) {
					found = true
					break
				}
			}
			if negate {
				return !found
			}
			return found
		}
	}

	logger.Warn("unknown operator in condition, it will never match",
		zap.String("operator", string(c.Op)),
		zap.String("path", path))
	return matchNone
}

func stringPredicate(path string, value any, match func(s, needle string) bool) Predicate {
	needle, isString := value.(string)
	return func(t *tabs.EnrichedTab, ev *Eval) bool {
		if !isString {
			return false
		}
		lhs, ok := resolveString(t, ev, path)
		if !ok {
			return false
		}
		return match(lhs, needle)
	}
}

// resolve reads the value a path names off the tab. ok=false means the path
// is unknown or its value is absent for this tab; comparisons then evaluate
// false, except neq and not_contains which evaluate true.
func resolve(t *tabs.EnrichedTab, ev *Eval, path string) (any, bool) {
	switch path {
	case "tab.url":
		return t.URL, true
	case "tab.title":
		return t.Title, true
	case "tab.domain":
		return t.Domain, true
	case "tab.category":
		return t.Category, true
	case "tab.pinned", "tab.isPinned":
		return t.Pinned, true
	case "tab.active", "tab.isActive":
		return t.Active, true
	case "tab.audible", "tab.isAudible":
		return t.Audible, true
	case "tab.muted", "tab.isMuted":
		return t.Muted, true
	case "tab.isDupe":
		return t.IsDupe, true
	case "tab.age":
		if t.CreatedAt.IsZero() && t.LastAccessed.IsZero() {
			return nil, false
		}
		return float64(t.AgeMs), true
	case "tab.last_access":
		if ev == nil || t.LastAccessed.IsZero() {
			return nil, false
		}
		return float64(ev.Now.Sub(t.LastAccessed).Milliseconds()), true
	case "window.tabCount":
		if ev == nil || ev.Indices == nil {
			return nil, false
		}
		return float64(ev.Indices.WindowTabCount(t.WindowID)), true
	}
	if key, ok := strings.CutPrefix(path, "tab.countPerOrigin:"); ok {
		return resolveCount(t, ev, key)
	}
	return nil, false
}

func resolveCount(t *tabs.EnrichedTab, ev *Eval, key string) (any, bool) {
	if ev == nil || ev.Indices == nil {
		return nil, false
	}
	switch key {
	case "domain":
		if t.Domain == "" {
			return nil, false
		}
		return float64(len(ev.Indices.ByDomain[t.Domain])), true
	case "origin":
		if t.Origin == "" {
			return nil, false
		}
		return float64(len(ev.Indices.ByOrigin[t.Origin])), true
	case "dupeKey":
		return float64(len(ev.Indices.ByDupeKey[t.DupeKey])), true
	}
	return nil, false
}

func resolveString(t *tabs.EnrichedTab, ev *Eval, path string) (string, bool) {
	v, ok := resolve(t, ev, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// coerceValue converts duration-shaped strings ("30m", "2h", "1d") to
// milliseconds for the two elapsed-time paths. Everything else passes
// through untouched and compares as its own type.
func coerceValue(path string, v any) any {
	if path != "tab.age" && path != "tab.last_access" {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	d, err := duration.Parse(s)
	if err != nil {
		return v
	}
	return float64(d.Milliseconds())
}

// looseEqual compares document values: numbers numerically regardless of
// concrete type, strings and bools by type-equal comparison.
func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stripSlashes(pattern string) string {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1]
	}
	return pattern
}
