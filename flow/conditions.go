package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// evalCondition evaluates a condition against the instance variable
// view. Evaluation errors (unknown operator, non-numeric comparison)
// are returned so the engine can log them; callers treat an errored
// condition as false.
func evalCondition(cond *Condition, vars map[string]interface{}) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("nil condition")
	}
	if cond.Type != "" {
		return evalTyped(cond, vars)
	}
	if cond.Operator != "" {
		return evalOperator(cond, vars)
	}
	return false, fmt.Errorf("condition has neither type nor operator")
}

func evalOperator(cond *Condition, vars map[string]interface{}) (bool, error) {
	switch cond.Operator {
	case "exists", "not_exists":
		v, ok := resolveExistence(cond.Left, vars)
		exists := ok && v != nil
		if cond.Operator == "exists" {
			return exists, nil
		}
		return !exists, nil
	}

	left := resolveOperand(cond.Left, vars)
	right := resolveOperand(cond.Right, vars)

	switch cond.Operator {
	case "equals":
		return looseEqual(left, right), nil
	case "not_equals":
		return !looseEqual(left, right), nil
	case "greater_than", "less_than", "greater_equal", "less_equal":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s needs numeric operands, got %v and %v", cond.Operator, left, right)
		}
		switch cond.Operator {
		case "greater_than":
			return lf > rf, nil
		case "less_than":
			return lf < rf, nil
		case "greater_equal":
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}
	case "contains":
		return containsValue(left, right), nil
	case "not_contains":
		return !containsValue(left, right), nil
	case "in":
		return memberOf(left, right), nil
	case "not_in":
		return !memberOf(left, right), nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

func evalTyped(cond *Condition, vars map[string]interface{}) (bool, error) {
	switch cond.Type {
	case "is_empty":
		v, ok := resolveExistence(cond.Source, vars)
		return !ok || isEmpty(v), nil
	case "is_not_empty":
		v, ok := resolveExistence(cond.Source, vars)
		return ok && !isEmpty(v), nil
	case "count_greater_than", "count_less_than":
		v, ok := resolveExistence(cond.Source, vars)
		if !ok {
			return false, fmt.Errorf("%s: source %q not found", cond.Type, cond.Source)
		}
		n, err := countOf(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", cond.Type, err)
		}
		threshold, tok := toFloat(cond.Value)
		if !tok {
			return false, fmt.Errorf("%s: non-numeric threshold %v", cond.Type, cond.Value)
		}
		if cond.Type == "count_greater_than" {
			return float64(n) > threshold, nil
		}
		return float64(n) < threshold, nil
	case "contains":
		v, _ := resolveExistence(cond.Source, vars)
		return containsValue(v, resolveOperand(cond.Value, vars)), nil
	case "equals":
		v, _ := resolveExistence(cond.Source, vars)
		return looseEqual(v, resolveOperand(cond.Value, vars)), nil
	case "response_contains":
		source := cond.Source
		if source == "" {
			source = "last_action_result"
		}
		v, _ := resolveExistence(source, vars)
		return containsValue(v, resolveOperand(cond.Value, vars)), nil
	case "has_error":
		if cond.Source != "" {
			v, ok := resolveExistence(strings.TrimPrefix(cond.Source, "$")+"_error", vars)
			return ok && v != nil, nil
		}
		for key, v := range vars {
			if strings.HasSuffix(key, "_error") && v != nil {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

// resolveOperand resolves "$path" strings through the variable view;
// anything else is a literal.
func resolveOperand(v interface{}, vars map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	resolved, found := resolvePath(vars, strings.TrimPrefix(s, "$"))
	if !found {
		return nil
	}
	return resolved
}

// resolveExistence treats the operand as a variable reference whether
// or not it carries the "$" prefix, reporting lookup success.
func resolveExistence(v interface{}, vars map[string]interface{}) (interface{}, bool) {
	s, ok := v.(string)
	if !ok {
		return v, v != nil
	}
	return resolvePath(vars, strings.TrimPrefix(s, "$"))
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue checks slice membership for slices and substring
// containment for everything else.
func containsValue(haystack, needle interface{}) bool {
	if items, ok := haystack.([]interface{}); ok {
		for _, item := range items {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(haystack), stringify(needle))
}

// memberOf checks membership of left in right: slice membership, or
// substring containment when the collection is a string.
func memberOf(left, right interface{}) bool {
	switch coll := right.(type) {
	case []interface{}:
		for _, item := range coll {
			if looseEqual(item, left) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(coll, stringify(left))
	default:
		return false
	}
}

func isEmpty(v interface{}) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(c) == ""
	case []interface{}:
		return len(c) == 0
	case map[string]interface{}:
		return len(c) == 0
	default:
		return false
	}
}

func countOf(v interface{}) (int, error) {
	switch c := v.(type) {
	case []interface{}:
		return len(c), nil
	case map[string]interface{}:
		return len(c), nil
	case string:
		return len(c), nil
	default:
		return 0, fmt.Errorf("value %v is not countable", v)
	}
}
