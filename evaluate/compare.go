package evaluate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	rulengine "github.com/forgeworks/go-rulengine"
)

// Compare applies a condition operator to a resolved value. BETWEEN is
// inclusive on both bounds and takes its upper bound from value2.
func Compare(fieldValue any, op rulengine.Operator, value, value2 any) (bool, error) {
	switch op {
	case rulengine.OpEquals:
		return looseEqual(fieldValue, value), nil
	case rulengine.OpNotEquals:
		return !looseEqual(fieldValue, value), nil
	case rulengine.OpGreaterThan:
		a, b, err := bothNumbers(fieldValue, value)
		if err != nil {
			return false, err
		}
		return a > b, nil
	case rulengine.OpGreaterThanOrEqual:
		a, b, err := bothNumbers(fieldValue, value)
		if err != nil {
			return false, err
		}
		return a >= b, nil
	case rulengine.OpLessThan:
		a, b, err := bothNumbers(fieldValue, value)
		if err != nil {
			return false, err
		}
		return a < b, nil
	case rulengine.OpLessThanOrEqual:
		a, b, err := bothNumbers(fieldValue, value)
		if err != nil {
			return false, err
		}
		return a <= b, nil
	case rulengine.OpBetween:
		a, lo, err := bothNumbers(fieldValue, value)
		if err != nil {
			return false, err
		}
		hi, ok := toNumber(value2)
		if !ok {
			return false, compareErr("BETWEEN requires a numeric upper bound", value2)
		}
		return a >= lo && a <= hi, nil
	case rulengine.OpIn:
		return contains(value, fieldValue), nil
	case rulengine.OpNotIn:
		return !contains(value, fieldValue), nil
	case rulengine.OpContains:
		return strings.Contains(toString(fieldValue), toString(value)), nil
	case rulengine.OpNotContains:
		return !strings.Contains(toString(fieldValue), toString(value)), nil
	case rulengine.OpStartsWith:
		return strings.HasPrefix(toString(fieldValue), toString(value)), nil
	case rulengine.OpEndsWith:
		return strings.HasSuffix(toString(fieldValue), toString(value)), nil
	case rulengine.OpMatches:
		re, err := regexp.Compile(toString(value))
		if err != nil {
			return false, compareErr("invalid MATCHES pattern", value)
		}
		return re.MatchString(toString(fieldValue)), nil
	case rulengine.OpIsNull:
		return fieldValue == nil, nil
	case rulengine.OpIsNotNull:
		return fieldValue != nil, nil
	case rulengine.OpIsEmpty:
		return isEmpty(fieldValue), nil
	case rulengine.OpIsNotEmpty:
		return !isEmpty(fieldValue), nil
	default:
		return false, compareErr("unknown comparison operator", string(op))
	}
}

func compareErr(msg string, detail any) error {
	return apperrors.New(msg, apperrors.CategoryBadInput).
		WithTextCode("CONDITION_COMPARE").
		WithMetadata(map[string]any{"detail": detail})
}

// looseEqual compares numbers numerically and everything else by deep
// equality on the string-normalized form, so a payload float 5.0 equals a
// configured int 5.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return sa == sb
	}
	return false
}

func bothNumbers(a, b any) (float64, float64, error) {
	x, ok := toNumber(a)
	if !ok {
		return 0, 0, compareErr("value is not numeric", a)
	}
	y, ok := toNumber(b)
	if !ok {
		return 0, 0, compareErr("comparison bound is not numeric", b)
	}
	return x, y, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func contains(list, needle any) bool {
	rv := reflect.ValueOf(list)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}

// isEmpty treats nil, empty strings, and zero-length collections as empty.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	default:
		return false
	}
}
