package domain

import (
	"reflect"
	"sort"
	"testing"

	eventdomain "beacon-messaging/backend/internal/event/domain"
)

func TestRule_AttributeOperators(t *testing.T) {
	attrs := map[string]any{"plan": "enterprise", "seats": float64(5), "tags": []any{"beta", "vip"}}

	cases := []struct {
		name string
		rule *Rule
		want bool
	}{
		{"eq match", &Rule{Kind: KindAttribute, Path: "plan", Op: OpEq, Value: "enterprise"}, true},
		{"eq miss", &Rule{Kind: KindAttribute, Path: "plan", Op: OpEq, Value: "pro"}, false},
		{"neq", &Rule{Kind: KindAttribute, Path: "plan", Op: OpNeq, Value: "pro"}, true},
		{"gt numeric", &Rule{Kind: KindAttribute, Path: "seats", Op: OpGt, Value: float64(4)}, true},
		{"lte numeric", &Rule{Kind: KindAttribute, Path: "seats", Op: OpLte, Value: float64(4)}, false},
		{"eq int vs float", &Rule{Kind: KindAttribute, Path: "seats", Op: OpEq, Value: 5}, true},
		{"exists present", &Rule{Kind: KindAttribute, Path: "plan", Op: OpExists}, true},
		{"exists absent", &Rule{Kind: KindAttribute, Path: "missing", Op: OpExists}, false},
		{"absent key with op", &Rule{Kind: KindAttribute, Path: "missing", Op: OpEq, Value: "x"}, false},
		{"contains string", &Rule{Kind: KindAttribute, Path: "plan", Op: OpContains, Value: "enter"}, true},
		{"contains slice", &Rule{Kind: KindAttribute, Path: "tags", Op: OpContains, Value: "vip"}, true},
		{"contains slice miss", &Rule{Kind: KindAttribute, Path: "tags", Op: OpContains, Value: "free"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Evaluate(attrs, nil); got != tc.want {
				t.Errorf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRule_ObjectAndArrayValues(t *testing.T) {
	attrs := map[string]any{
		"address": map[string]any{"city": "Berlin", "zip": "10115"},
		"tags":    []any{"beta", "vip"},
	}

	cases := []struct {
		name string
		rule *Rule
		want bool
	}{
		{"eq object match", &Rule{Kind: KindAttribute, Path: "address", Op: OpEq,
			Value: map[string]any{"city": "Berlin", "zip": "10115"}}, true},
		{"eq object miss", &Rule{Kind: KindAttribute, Path: "address", Op: OpEq,
			Value: map[string]any{"city": "Hamburg"}}, false},
		{"neq object", &Rule{Kind: KindAttribute, Path: "address", Op: OpNeq,
			Value: map[string]any{"city": "Hamburg"}}, true},
		{"eq array match", &Rule{Kind: KindAttribute, Path: "tags", Op: OpEq,
			Value: []any{"beta", "vip"}}, true},
		{"eq array miss", &Rule{Kind: KindAttribute, Path: "tags", Op: OpEq,
			Value: []any{"beta"}}, false},
		{"contains object element", &Rule{Kind: KindAttribute, Path: "tags", Op: OpContains,
			Value: "vip"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Evaluate(attrs, nil); got != tc.want {
				t.Errorf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRule_EventOccurrence(t *testing.T) {
	events := []*eventdomain.Event{
		{Name: "purchase"},
		{Name: "purchase"},
		{Name: "email_sent"},
	}

	exists := &Rule{Kind: KindEvent, Path: "purchase"}
	if !exists.Evaluate(nil, events) {
		t.Error("event exists rule should match")
	}
	missing := &Rule{Kind: KindEvent, Path: "refund"}
	if missing.Evaluate(nil, events) {
		t.Error("event rule should not match absent event")
	}
	atLeastTwo := &Rule{Kind: KindEvent, Path: "purchase", Op: OpGte, Value: float64(2)}
	if !atLeastTwo.Evaluate(nil, events) {
		t.Error("count gte 2 should match two purchases")
	}
	atLeastThree := &Rule{Kind: KindEvent, Path: "purchase", Op: OpGte, Value: float64(3)}
	if atLeastThree.Evaluate(nil, events) {
		t.Error("count gte 3 should not match two purchases")
	}
}

func TestRule_Composite(t *testing.T) {
	attrs := map[string]any{"plan": "pro", "seats": float64(10)}
	rule := &Rule{Kind: KindAnd, Children: []*Rule{
		{Kind: KindAttribute, Path: "plan", Op: OpEq, Value: "pro"},
		{Kind: KindOr, Children: []*Rule{
			{Kind: KindAttribute, Path: "seats", Op: OpGte, Value: float64(5)},
			{Kind: KindEvent, Path: "upgrade_clicked"},
		}},
	}}
	if !rule.Evaluate(attrs, nil) {
		t.Error("composite rule should match")
	}

	attrs["seats"] = float64(1)
	if rule.Evaluate(attrs, nil) {
		t.Error("composite rule should not match after seats drop")
	}
}

func TestRule_Deterministic(t *testing.T) {
	attrs := map[string]any{"plan": "pro"}
	rule := &Rule{Kind: KindAttribute, Path: "plan", Op: OpEq, Value: "pro"}
	first := rule.Evaluate(attrs, nil)
	second := rule.Evaluate(attrs, nil)
	if first != second {
		t.Error("evaluation of an unchanged snapshot must be stable")
	}
}

func TestRule_References(t *testing.T) {
	rule := &Rule{Kind: KindAnd, Children: []*Rule{
		{Kind: KindAttribute, Path: "plan", Op: OpEq, Value: "pro"},
		{Kind: KindAttribute, Path: "plan", Op: OpNeq, Value: "free"},
		{Kind: KindEvent, Path: "purchase"},
	}}
	attrs, events := rule.References()
	sort.Strings(attrs)
	if !reflect.DeepEqual(attrs, []string{"plan"}) {
		t.Errorf("attr refs = %v, want [plan] (deduplicated)", attrs)
	}
	if !reflect.DeepEqual(events, []string{"purchase"}) {
		t.Errorf("event refs = %v, want [purchase]", events)
	}

	if !rule.ReferencesAnyAttribute([]string{"plan", "seats"}) {
		t.Error("ReferencesAnyAttribute should match plan")
	}
	if rule.ReferencesAnyAttribute([]string{"seats"}) {
		t.Error("ReferencesAnyAttribute should not match seats")
	}
}

func TestRule_Validate(t *testing.T) {
	if err := (&Rule{Kind: KindAttribute}).Validate(); err == nil {
		t.Error("attribute rule without path should fail validation")
	}
	if err := (&Rule{Kind: KindAnd}).Validate(); err == nil {
		t.Error("and rule without children should fail validation")
	}
	if err := (&Rule{Kind: "bogus"}).Validate(); err == nil {
		t.Error("unknown kind should fail validation")
	}
	ok := &Rule{Kind: KindOr, Children: []*Rule{{Kind: KindEvent, Path: "purchase"}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(`{"kind":"attribute","path":"plan","op":"eq","value":"enterprise"}`))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if !r.Evaluate(map[string]any{"plan": "enterprise"}, nil) {
		t.Error("parsed rule should match")
	}

	if _, err := ParseRule([]byte(`{"kind":"and"}`)); err == nil {
		t.Error("expected validation error for childless and")
	}
}
