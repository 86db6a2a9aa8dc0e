package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	eventdomain "beacon-messaging/backend/internal/event/domain"
)

// RuleKind selects how a rule node is evaluated.
type RuleKind string

const (
	// KindAttribute tests one user attribute at Path against Op/Value.
	KindAttribute RuleKind = "attribute"
	// KindEvent tests the occurrence count of events named Path against Op/Value.
	// With OpExists (or no op) it matches when at least one such event exists.
	KindEvent RuleKind = "event"
	// KindAnd matches when every child matches.
	KindAnd RuleKind = "and"
	// KindOr matches when at least one child matches.
	KindOr RuleKind = "or"
)

// Operator is a comparison applied by a leaf rule node.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpExists   Operator = "exists"
	OpContains Operator = "contains"
)

// Rule is one node of a list's predicate tree. Evaluation is a pure function
// of (attributes, events, rule): no hidden state, so re-evaluating the same
// snapshot always yields the same result.
type Rule struct {
	Kind     RuleKind `json:"kind"`
	Path     string   `json:"path,omitempty"`
	Op       Operator `json:"op,omitempty"`
	Value    any      `json:"value,omitempty"`
	Children []*Rule  `json:"children,omitempty"`
}

// Validate checks the rule tree is well-formed.
func (r *Rule) Validate() error {
	if r == nil {
		return errors.New("rule is nil")
	}
	switch r.Kind {
	case KindAttribute, KindEvent:
		if r.Path == "" {
			return fmt.Errorf("%s rule requires a path", r.Kind)
		}
		return nil
	case KindAnd, KindOr:
		if len(r.Children) == 0 {
			return fmt.Errorf("%s rule requires children", r.Kind)
		}
		for _, c := range r.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}

// Evaluate reports whether the rule matches the given attribute map and event
// log snapshot.
func (r *Rule) Evaluate(attributes map[string]any, events []*eventdomain.Event) bool {
	switch r.Kind {
	case KindAttribute:
		v, ok := attributes[r.Path]
		if r.Op == OpExists || r.Op == "" {
			return ok
		}
		if !ok {
			return false
		}
		return compare(r.Op, v, r.Value)
	case KindEvent:
		count := 0
		for _, ev := range events {
			if ev.Name == r.Path {
				count++
			}
		}
		if r.Op == OpExists || r.Op == "" {
			return count > 0
		}
		return compare(r.Op, float64(count), r.Value)
	case KindAnd:
		for _, c := range r.Children {
			if !c.Evaluate(attributes, events) {
				return false
			}
		}
		return len(r.Children) > 0
	case KindOr:
		for _, c := range r.Children {
			if c.Evaluate(attributes, events) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// References returns the attribute keys and event names the rule tree reads.
// Used to scope re-evaluation to lists affected by a patch.
func (r *Rule) References() (attrKeys, eventNames []string) {
	seen := map[string]bool{}
	var walk func(n *Rule)
	walk = func(n *Rule) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KindAttribute:
			if !seen["a:"+n.Path] {
				seen["a:"+n.Path] = true
				attrKeys = append(attrKeys, n.Path)
			}
		case KindEvent:
			if !seen["e:"+n.Path] {
				seen["e:"+n.Path] = true
				eventNames = append(eventNames, n.Path)
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(r)
	return attrKeys, eventNames
}

// ReferencesAnyAttribute reports whether the rule reads any of the given keys.
func (r *Rule) ReferencesAnyAttribute(keys []string) bool {
	attrKeys, _ := r.References()
	for _, k := range keys {
		for _, ref := range attrKeys {
			if ref == k {
				return true
			}
		}
	}
	return false
}

// ParseRule decodes and validates a rule from its JSON form.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// compare evaluates op between a live value and the rule's target value.
// JSON decoding hands numbers over as float64, so numeric comparison
// normalizes both sides through asFloat.
func compare(op Operator, have, want any) bool {
	switch op {
	case OpEq:
		return equal(have, want)
	case OpNeq:
		return !equal(have, want)
	case OpGt, OpGte, OpLt, OpLte:
		hf, hok := asFloat(have)
		wf, wok := asFloat(want)
		if !hok || !wok {
			return false
		}
		switch op {
		case OpGt:
			return hf > wf
		case OpGte:
			return hf >= wf
		case OpLt:
			return hf < wf
		default:
			return hf <= wf
		}
	case OpContains:
		switch h := have.(type) {
		case string:
			w, ok := want.(string)
			return ok && strings.Contains(h, w)
		case []any:
			for _, item := range h {
				if equal(item, want) {
					return true
				}
			}
			return false
		}
		return false
	case OpExists:
		return true
	default:
		return false
	}
}

// equal must not use ==: attribute and rule values decoded from JSON can hold
// maps and slices, and comparing those with == panics at runtime.
func equal(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
