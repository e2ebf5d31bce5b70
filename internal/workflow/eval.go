package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a small boolean expression language against the
// execution variables:
//
//	true | false
//	<var>                  truthy check
//	!<var>
//	<var> == <literal>
//	<var> != <literal>
//	<var> <  <number>
//	<var> >  <number>
//
// Unknown variables evaluate as absent (falsy, never an error); malformed
// expressions are errors.
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}

	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	for _, op := range []string{"==", "!=", "<", ">"} {
		if left, right, found := strings.Cut(expr, op); found {
			return evalComparison(strings.TrimSpace(left), op, strings.TrimSpace(right), vars)
		}
	}

	if name, found := strings.CutPrefix(expr, "!"); found {
		return !truthy(vars[strings.TrimSpace(name)]), nil
	}
	return truthy(vars[expr]), nil
}

func evalComparison(name, op, literal string, vars map[string]any) (bool, error) {
	value, ok := vars[name]

	switch op {
	case "==", "!=":
		equal := ok && literalEquals(value, literal)
		if op == "==" {
			return equal, nil
		}
		return !equal, nil
	case "<", ">":
		bound, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return false, fmt.Errorf("comparison bound %q is not a number", literal)
		}
		num, isNum := asNumber(value)
		if !isNum {
			return false, nil
		}
		if op == "<" {
			return num < bound, nil
		}
		return num > bound, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func literalEquals(value any, literal string) bool {
	literal = strings.Trim(literal, `"'`)
	if num, ok := asNumber(value); ok {
		if bound, err := strconv.ParseFloat(literal, 64); err == nil {
			return num == bound
		}
	}
	return fmt.Sprintf("%v", value) == literal
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	default:
		if num, ok := asNumber(v); ok {
			return num != 0
		}
		return true
	}
}
