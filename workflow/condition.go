package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/sendloop/sendloop/errors"
)

// Logic combines condition results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares an event attribute with a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpIn          Operator = "in"
)

// Condition is one predicate over the webhook event payload. Field is a
// dotted path ("customer.tier").
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// ValidateConditions rejects unknown operators and logic values.
func ValidateConditions(conds []Condition, logic Logic) error {
	switch Logic(strings.ToUpper(string(logic))) {
	case "", LogicAnd, LogicOr:
	default:
		return errors.NewInvalidRequestError("unknown condition logic %q", logic)
	}
	for _, c := range conds {
		if c.Field == "" {
			return errors.NewInvalidRequestError("condition field is required")
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpNotContains,
			OpGreaterThan, OpLessThan, OpExists, OpNotExists, OpIn:
		default:
			return errors.NewInvalidRequestError("unknown condition operator %q", c.Operator)
		}
	}
	return nil
}

// Evaluate applies conds to event data. No conditions always match.
// Logic defaults to AND.
func Evaluate(data map[string]interface{}, conds []Condition, logic Logic) bool {
	if len(conds) == 0 {
		return true
	}

	or := Logic(strings.ToUpper(string(logic))) == LogicOr
	for _, c := range conds {
		ok := c.Matches(data)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

// Matches evaluates a single condition.
func (c Condition) Matches(data map[string]interface{}) bool {
	actual, found := lookup(data, c.Field)

	switch c.Operator {
	case OpExists:
		return found && actual != nil
	case OpNotExists:
		return !found || actual == nil
	}
	if !found {
		// Missing attributes only satisfy negative comparisons
		return c.Operator == OpNotEquals || c.Operator == OpNotContains
	}

	switch c.Operator {
	case OpEquals:
		return equal(actual, c.Value)
	case OpNotEquals:
		return !equal(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpIn:
		return contains(c.Value, actual)
	}
	return false
}

func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares numbers numerically and everything else by string form,
// so JSON 5 matches YAML "5".
func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
