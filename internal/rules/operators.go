package rules

import (
	"regexp"
	"strconv"
	"strings"
)

// Operator is the closed operator enum.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpRegex     Operator = "regex"
	OpGT        Operator = "gt"
	OpLT        Operator = "lt"
	OpGTE       Operator = "gte"
	OpLTE       Operator = "lte"
	OpIn        Operator = "in"
)

func validOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpRegex, OpGT, OpLT, OpGTE, OpLTE, OpIn:
		return true
	default:
		return false
	}
}

// evaluate applies op to (lhs, rhs).
// lhs is the resolved event field value; rhs is the rule's literal value
// (parsed from YAML, so it may be a string, int, float64, bool, or []any).
func evaluate(op Operator, lhs any, rhs any) bool {
	switch op {
	case OpEquals:
		return equalsCoerced(lhs, rhs)
	case OpNotEquals:
		return !equalsCoerced(lhs, rhs)
	case OpContains:
		ls, ok := lhs.(string)
		if !ok {
			return false
		}
		rs, ok := toString(rhs)
		if !ok {
			return false
		}
		return strings.Contains(ls, rs)
	case OpRegex:
		ls, ok := lhs.(string)
		if !ok {
			return false
		}
		pattern, ok := toString(rhs)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(ls)
	case OpGT, OpLT, OpGTE, OpLTE:
		lf, ok1 := toFloat(lhs)
		rf, ok2 := toFloat(rhs)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpGT:
			return lf > rf
		case OpLT:
			return lf < rf
		case OpGTE:
			return lf >= rf
		default: // OpLTE
			return lf <= rf
		}
	case OpIn:
		seq, ok := rhs.([]any)
		if !ok {
			return false
		}
		for _, item := range seq {
			if equalsCoerced(lhs, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// equalsCoerced compares lhs and rhs for structural equality, coercing
// rhs to lhs's type first.
func equalsCoerced(lhs, rhs any) bool {
	switch l := lhs.(type) {
	case string:
		rs, ok := toString(rhs)
		return ok && l == rs
	case float64:
		rf, ok := toFloat(rhs)
		return ok && l == rf
	case bool:
		rb, ok := rhs.(bool)
		return ok && l == rb
	default:
		return false
	}
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
