package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition describes a single field comparison against the event payload.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// ConditionGroup combines conditions (and optional nested groups) with
// AND/OR logic. Flat one-level configurations parse unchanged.
type ConditionGroup struct {
	Logic      string           `json:"logic"` // AND, OR
	Conditions []Condition      `json:"conditions"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// ParseConditionGroup parses a stored JSON condition tree. Empty input
// yields nil (no conditions, always matches).
func ParseConditionGroup(raw string) (*ConditionGroup, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var group ConditionGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return nil, fmt.Errorf("invalid condition group: %w", err)
	}
	return &group, nil
}

// EvaluateGroup evaluates a condition tree against an event payload. It is
// total: malformed input degrades to false, never panics. A nil group
// matches everything. AND over an empty group is vacuously true, OR is
// false. Unrecognized logic falls back to AND.
func EvaluateGroup(group *ConditionGroup, payload map[string]interface{}) bool {
	if group == nil {
		return true
	}

	isOr := strings.EqualFold(group.Logic, "OR")

	for _, cond := range group.Conditions {
		ok := evaluateCondition(cond, payload)
		if isOr && ok {
			return true
		}
		if !isOr && !ok {
			return false
		}
	}
	for i := range group.Groups {
		ok := EvaluateGroup(&group.Groups[i], payload)
		if isOr && ok {
			return true
		}
		if !isOr && !ok {
			return false
		}
	}

	if isOr {
		return false // empty OR, or nothing matched
	}
	return true
}

// evaluateCondition evaluates one leaf condition. Missing fields use
// operator-dependent defaults; comparisons in the word-match family are
// case-insensitive, regex stays case-sensitive.
func evaluateCondition(cond Condition, payload map[string]interface{}) bool {
	raw, present := payload[cond.Field]
	if raw == nil {
		present = false
	}

	op := strings.ToLower(strings.TrimSpace(cond.Operator))

	if !present {
		switch op {
		case "not_equals", "is_null", "is_empty":
			return true
		default:
			return false
		}
	}

	actual := fmt.Sprintf("%v", raw)
	expected := fmt.Sprintf("%v", cond.Value)

	switch op {
	case "equals":
		return strings.EqualFold(actual, expected)
	case "not_equals":
		return !strings.EqualFold(actual, expected)
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "not_contains":
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(expected))
	case "ends_with":
		return strings.HasSuffix(strings.ToLower(actual), strings.ToLower(expected))
	case "greater_than":
		a, b, ok := parseNumbers(actual, expected)
		return ok && a > b
	case "less_than":
		a, b, ok := parseNumbers(actual, expected)
		return ok && a < b
	case "in":
		return valueIn(actual, cond.Value)
	case "not_in":
		return !valueIn(actual, cond.Value)
	case "is_null":
		return false // present and non-nil
	case "is_not_null":
		return true
	case "is_empty":
		return strings.TrimSpace(actual) == ""
	case "is_not_empty":
		return strings.TrimSpace(actual) != ""
	case "regex":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

// parseNumbers requires both sides to parse as numbers.
func parseNumbers(actual, expected string) (float64, float64, bool) {
	a, err1 := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	b, err2 := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	return a, b, err1 == nil && err2 == nil
}

// valueIn checks membership of actual in a JSON list or a comma-separated
// string, case-insensitively.
func valueIn(actual string, value interface{}) bool {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if strings.EqualFold(actual, fmt.Sprintf("%v", item)) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if strings.EqualFold(actual, item) {
				return true
			}
		}
	default:
		for _, item := range strings.Split(fmt.Sprintf("%v", value), ",") {
			if strings.EqualFold(actual, strings.TrimSpace(item)) {
				return true
			}
		}
	}
	return false
}
