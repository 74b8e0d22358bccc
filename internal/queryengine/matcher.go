package queryengine

import (
	"fmt"
	"regexp"
	"strings"
)

// Matches evaluates expr against doc, a decoded document body. It is the
// engine's ground truth: every candidate an index narrows down to is
// re-checked here before being returned, so an index that only covers part
// of a selector — or no index at all — never produces a wrong answer.
func Matches(expr Expr, doc map[string]any) bool {
	switch e := expr.(type) {
	case AndExpr:
		for _, c := range e.Clauses {
			if !Matches(c, doc) {
				return false
			}
		}
		return true
	case OrExpr:
		for _, c := range e.Clauses {
			if Matches(c, doc) {
				return true
			}
		}
		return false
	case NotExpr:
		return !Matches(e.Clause, doc)
	case FieldExpr:
		return matchField(e, doc)
	default:
		return false
	}
}

func matchField(e FieldExpr, doc map[string]any) bool {
	val, present := lookupField(doc, e.Field)
	switch e.Op {
	case "$exists":
		want, _ := e.Value.(bool)
		return present == want
	case "$eq":
		return present && equalValues(val, e.Value)
	case "$ne":
		return !present || !equalValues(val, e.Value)
	case "$gt":
		return present && compareValues(val, e.Value) > 0
	case "$gte":
		return present && compareValues(val, e.Value) >= 0
	case "$lt":
		return present && compareValues(val, e.Value) < 0
	case "$lte":
		return present && compareValues(val, e.Value) <= 0
	case "$in":
		items, ok := e.Value.([]any)
		if !ok || !present {
			return false
		}
		for _, item := range items {
			if equalValues(val, item) {
				return true
			}
		}
		return false
	case "$nin":
		items, ok := e.Value.([]any)
		if !ok {
			return true
		}
		if !present {
			return true
		}
		for _, item := range items {
			if equalValues(val, item) {
				return false
			}
		}
		return true
	case "$mod":
		return matchMod(val, present, e.Value)
	case "$size":
		return matchSize(val, present, e.Value)
	case "$type":
		return matchType(val, present, e.Value)
	case "$regex":
		pattern, ok := e.Value.(string)
		if !ok || !present {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "$text":
		needle, ok := textSearchTerm(e.Value)
		if !ok || !present {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	default:
		return false
	}
}

// matchMod implements {field: {"$mod": [divisor, remainder]}}.
func matchMod(val any, present bool, operand any) bool {
	if !present {
		return false
	}
	args, ok := operand.([]any)
	if !ok || len(args) != 2 {
		return false
	}
	divisor, ok1 := toFloat(args[0])
	remainder, ok2 := toFloat(args[1])
	n, ok3 := toFloat(val)
	if !ok1 || !ok2 || !ok3 || divisor == 0 {
		return false
	}
	return int64(n)%int64(divisor) == int64(remainder)
}

// matchSize implements {field: {"$size": n}}, matching when field is an
// array of exactly n elements.
func matchSize(val any, present bool, operand any) bool {
	if !present {
		return false
	}
	arr, ok := val.([]any)
	if !ok {
		return false
	}
	want, ok := toFloat(operand)
	if !ok {
		return false
	}
	return float64(len(arr)) == want
}

// matchType implements {field: {"$type": name}}, matching the JSON type
// name of field's decoded value: "null", "boolean", "number", "string",
// "array", or "object".
func matchType(val any, present bool, operand any) bool {
	if !present {
		return false
	}
	want, ok := operand.(string)
	if !ok {
		return false
	}
	return jsonTypeName(val) == want
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// textSearchTerm unwraps a $text operand's documented {"$search": "term"}
// shape. A bare string is accepted too, so a caller that skips the $search
// wrapper still gets the search it asked for.
func textSearchTerm(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case map[string]any:
		s, ok := v["$search"].(string)
		return s, ok
	default:
		return "", false
	}
}

// lookupField resolves a dotted field path ("address.city") against a
// decoded document, the way a selector addresses nested objects.
func lookupField(doc map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
