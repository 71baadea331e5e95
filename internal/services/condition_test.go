package services

import (
	"testing"
)

func TestEvaluateCondition_Operators(t *testing.T) {
	payload := map[string]interface{}{
		"priority":  "High",
		"category":  "technical",
		"title":     "Server outage in DC-2",
		"minutes":   float64(42),
		"tags":      "",
		"requester": nil,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals case-insensitive", Condition{Field: "priority", Operator: "equals", Value: "high"}, true},
		{"equals mismatch", Condition{Field: "priority", Operator: "equals", Value: "low"}, false},
		{"not_equals", Condition{Field: "priority", Operator: "not_equals", Value: "low"}, true},
		{"contains case-insensitive", Condition{Field: "title", Operator: "contains", Value: "OUTAGE"}, true},
		{"not_contains", Condition{Field: "title", Operator: "not_contains", Value: "printer"}, true},
		{"starts_with", Condition{Field: "title", Operator: "starts_with", Value: "server"}, true},
		{"ends_with", Condition{Field: "title", Operator: "ends_with", Value: "dc-2"}, true},
		{"greater_than", Condition{Field: "minutes", Operator: "greater_than", Value: 40}, true},
		{"greater_than false", Condition{Field: "minutes", Operator: "greater_than", Value: 50}, false},
		{"less_than", Condition{Field: "minutes", Operator: "less_than", Value: 50}, true},
		{"greater_than non-numeric", Condition{Field: "priority", Operator: "greater_than", Value: 1}, false},
		{"in list", Condition{Field: "priority", Operator: "in", Value: []interface{}{"high", "critical"}}, true},
		{"in comma string", Condition{Field: "priority", Operator: "in", Value: "high,critical"}, true},
		{"not_in", Condition{Field: "priority", Operator: "not_in", Value: []interface{}{"low", "normal"}}, true},
		{"is_empty on blank", Condition{Field: "tags", Operator: "is_empty", Value: nil}, true},
		{"is_not_empty on blank", Condition{Field: "tags", Operator: "is_not_empty", Value: nil}, false},
		{"is_not_null present", Condition{Field: "priority", Operator: "is_not_null", Value: nil}, true},
		{"is_null present", Condition{Field: "priority", Operator: "is_null", Value: nil}, false},
		{"regex match", Condition{Field: "title", Operator: "regex", Value: `DC-\d+`}, true},
		{"regex case-sensitive", Condition{Field: "title", Operator: "regex", Value: `dc-\d+`}, false},
		{"regex invalid pattern", Condition{Field: "title", Operator: "regex", Value: `[`}, false},
		{"unknown operator", Condition{Field: "priority", Operator: "sounds_like", Value: "high"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluateCondition(tt.cond, payload); got != tt.want {
				t.Fatalf("evaluateCondition(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_MissingField(t *testing.T) {
	payload := map[string]interface{}{"priority": "high", "assignee": nil}

	// 缺失字段按操作符取默认结果
	tests := []struct {
		op   string
		want bool
	}{
		{"equals", false},
		{"contains", false},
		{"greater_than", false},
		{"in", false},
		{"not_equals", true},
		{"is_null", true},
		{"is_empty", true},
		{"is_not_null", false},
	}
	for _, tt := range tests {
		cond := Condition{Field: "nonexistent", Operator: tt.op, Value: "x"}
		if got := evaluateCondition(cond, payload); got != tt.want {
			t.Fatalf("missing field with %s = %v, want %v", tt.op, got, tt.want)
		}
	}

	// 显式 nil 值与缺失字段同样处理
	if !evaluateCondition(Condition{Field: "assignee", Operator: "is_null"}, payload) {
		t.Fatal("nil value should satisfy is_null")
	}
	if evaluateCondition(Condition{Field: "assignee", Operator: "equals", Value: "x"}, payload) {
		t.Fatal("nil value should not satisfy equals")
	}
}

func TestEvaluateGroup_Logic(t *testing.T) {
	payload := map[string]interface{}{"priority": "high", "category": "technical"}

	and := &ConditionGroup{
		Logic: "AND",
		Conditions: []Condition{
			{Field: "priority", Operator: "equals", Value: "high"},
			{Field: "category", Operator: "equals", Value: "technical"},
		},
	}
	if !EvaluateGroup(and, payload) {
		t.Fatal("AND group with all matching conditions should pass")
	}

	and.Conditions[1].Value = "billing"
	if EvaluateGroup(and, payload) {
		t.Fatal("AND group with one failing condition should fail")
	}

	or := &ConditionGroup{
		Logic: "OR",
		Conditions: []Condition{
			{Field: "priority", Operator: "equals", Value: "low"},
			{Field: "category", Operator: "equals", Value: "technical"},
		},
	}
	if !EvaluateGroup(or, payload) {
		t.Fatal("OR group with one matching condition should pass")
	}

	or.Conditions[1].Value = "billing"
	if EvaluateGroup(or, payload) {
		t.Fatal("OR group with no matching condition should fail")
	}
}

func TestEvaluateGroup_EdgeCases(t *testing.T) {
	payload := map[string]interface{}{"priority": "high"}

	// nil 组匹配一切
	if !EvaluateGroup(nil, payload) {
		t.Fatal("nil group should match everything")
	}
	// 空 AND 为真，空 OR 为假
	if !EvaluateGroup(&ConditionGroup{Logic: "AND"}, payload) {
		t.Fatal("empty AND group should be vacuously true")
	}
	if EvaluateGroup(&ConditionGroup{Logic: "OR"}, payload) {
		t.Fatal("empty OR group should be false")
	}
	// 未知 logic 按 AND 处理
	mixed := &ConditionGroup{
		Logic:      "XOR",
		Conditions: []Condition{{Field: "priority", Operator: "equals", Value: "high"}},
	}
	if !EvaluateGroup(mixed, payload) {
		t.Fatal("unknown logic should fall back to AND")
	}
}

func TestEvaluateGroup_Nested(t *testing.T) {
	payload := map[string]interface{}{
		"priority": "critical",
		"category": "technical",
		"source":   "email",
	}

	// priority=critical AND (source=email OR source=phone)
	group := &ConditionGroup{
		Logic: "AND",
		Conditions: []Condition{
			{Field: "priority", Operator: "equals", Value: "critical"},
		},
		Groups: []ConditionGroup{
			{
				Logic: "OR",
				Conditions: []Condition{
					{Field: "source", Operator: "equals", Value: "email"},
					{Field: "source", Operator: "equals", Value: "phone"},
				},
			},
		},
	}
	if !EvaluateGroup(group, payload) {
		t.Fatal("nested group should pass")
	}

	payload["source"] = "web"
	if EvaluateGroup(group, payload) {
		t.Fatal("nested group should fail when inner OR has no match")
	}
}

func TestParseConditionGroup(t *testing.T) {
	group, err := ParseConditionGroup(`{"logic":"AND","conditions":[{"field":"priority","operator":"equals","value":"high"}]}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if group == nil || len(group.Conditions) != 1 {
		t.Fatalf("unexpected parse result: %+v", group)
	}

	group, err = ParseConditionGroup("")
	if err != nil {
		t.Fatalf("empty input should not error: %v", err)
	}
	if group != nil {
		t.Fatal("empty input should yield nil group")
	}

	if _, err := ParseConditionGroup("{not json"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
