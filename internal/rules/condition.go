// Package rules holds the rule model: the JSON-shaped condition grammar and
// its predicate compiler, trigger and flag parsing, the SQLite rule store,
// and YAML/JSON rule documents.
package rules

import (
	"encoding/json"
	"fmt"
)

// Op names a comparison operator in canonical form.
type Op string

const (
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpStartsWith  Op = "starts_with"
	OpEndsWith    Op = "ends_with"
	OpRegex       Op = "regex"
	OpNotRegex    Op = "not_regex"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpIs          Op = "is"
)

// operatorSynonyms maps the spelled-out operator names the UI form uses to
// canonical ops.
var operatorSynonyms = map[string]Op{
	"equals":                OpEq,
	"not_equals":            OpNeq,
	"greater_than":          OpGt,
	"greater_than_or_equal": OpGte,
	"less_than":             OpLt,
	"less_than_or_equal":    OpLte,
	"includes":              OpContains,
	"excludes":              OpNotContains,
	"begins_with":           OpStartsWith,
	"matches":               OpRegex,
	"not_matches":           OpNotRegex,
	"one_of":                OpIn,
	"not_one_of":            OpNotIn,
}

// CanonicalOp resolves operator synonyms. Unrecognized names pass through
// unchanged; Compile turns them into a never-matching predicate with a
// warning rather than failing the whole rule.
func CanonicalOp(name string) Op {
	if op, ok := operatorSynonyms[name]; ok {
		return op
	}
	return Op(name)
}

// Condition is one node of a parsed condition tree: a junction (All, Any,
// None, Not) or a Compare leaf.
type Condition interface {
	condition()
}

// All matches when every child matches. An empty All matches no tab; this
// makes an empty `when` safe for rules with destructive actions.
type All struct{ Children []Condition }

// Any matches when at least one child matches.
type Any struct{ Children []Condition }

// None matches when no child matches.
type None struct{ Children []Condition }

// Not inverts its child.
type Not struct{ Child Condition }

// Compare is a leaf comparison against a tab path.
type Compare struct {
	Op    Op
	Path  string
	Value any
}

func (All) condition()     {}
func (Any) condition()     {}
func (None) condition()    {}
func (Not) condition()     {}
func (Compare) condition() {}

// ParseCondition parses the JSON document form of a condition tree. A node
// is a junction {all|any|none: [...]}, {not: C}, a comparison
// {op: [path, value]}, or the UI form {subject, operator, value}. An empty
// or absent document parses to an empty All.
func ParseCondition(raw []byte) (Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return All{}, nil
	}
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	return parseNode(node)
}

func parseNode(node map[string]json.RawMessage) (Condition, error) {
	if len(node) == 0 {
		return All{}, nil
	}

	_, hasSubject := node["subject"]
	_, hasOperator := node["operator"]
	if hasSubject || hasOperator {
		return parseUIForm(node)
	}

	if len(node) != 1 {
		return nil, fmt.Errorf("condition node must have exactly one key, got %d", len(node))
	}

	for key, value := range node {
		switch key {
		case "all":
			children, err := parseChildren(key, value)
			if err != nil {
				return nil, err
			}
			return All{Children: children}, nil
		case "any":
			children, err := parseChildren(key, value)
			if err != nil {
				return nil, err
			}
			return Any{Children: children}, nil
		case "none":
			children, err := parseChildren(key, value)
			if err != nil {
				return nil, err
			}
			return None{Children: children}, nil
		case "not":
			var child map[string]json.RawMessage
			if err := json.Unmarshal(value, &child); err != nil {
				return nil, fmt.Errorf("condition \"not\": %w", err)
			}
			parsed, err := parseNode(child)
			if err != nil {
				return nil, err
			}
			return Not{Child: parsed}, nil
		default:
			return parseComparison(key, value)
		}
	}
	return All{}, nil
}

func parseChildren(junction string, raw json.RawMessage) ([]Condition, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("condition %q: expected an array of conditions: %w", junction, err)
	}
	children := make([]Condition, 0, len(items))
	for i, item := range items {
		child, err := parseNode(item)
		if err != nil {
			return nil, fmt.Errorf("condition %q[%d]: %w", junction, i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func parseComparison(op string, raw json.RawMessage) (Condition, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("condition %q: expected [path, value]: %w", op, err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("condition %q: expected [path, value], got %d elements", op, len(pair))
	}
	var path string
	if err := json.Unmarshal(pair[0], &path); err != nil {
		return nil, fmt.Errorf("condition %q: path must be a string: %w", op, err)
	}
	var value any
	if err := json.Unmarshal(pair[1], &value); err != nil {
		return nil, fmt.Errorf("condition %q: %w", op, err)
	}
	return Compare{Op: CanonicalOp(op), Path: path, Value: value}, nil
}

func parseUIForm(node map[string]json.RawMessage) (Condition, error) {
	var subject, operator string
	if raw, ok := node["subject"]; ok {
		if err := json.Unmarshal(raw, &subject); err != nil {
			return nil, fmt.Errorf("condition: subject must be a string: %w", err)
		}
	}
	if raw, ok := node["operator"]; ok {
		if err := json.Unmarshal(raw, &operator); err != nil {
			return nil, fmt.Errorf("condition: operator must be a string: %w", err)
		}
	}
	if subject == "" || operator == "" {
		return nil, fmt.Errorf("condition: subject and operator are required")
	}
	var value any
	if raw, ok := node["value"]; ok {
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
	}
	return Compare{Op: CanonicalOp(operator), Path: subject, Value: value}, nil
}
