package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/camerpulse/pulsepipe/internal/models"
)

// ErrUnknownOperator is returned for a condition operator the evaluator does not know.
type ErrUnknownOperator struct {
	Operator string
}

func (e ErrUnknownOperator) Error() string {
	return fmt.Sprintf("unknown condition operator %q", e.Operator)
}

// EvaluateConditions reports whether every condition holds against data. An unknown
// operator fails the evaluation with ErrUnknownOperator unless lenient is set, in
// which case it is skipped.
func EvaluateConditions(conds []models.Condition, data map[string]interface{}, lenient bool) (bool, error) {
	for _, c := range conds {
		actual, present := lookupField(data, c.Field)
		var ok bool
		switch c.Operator {
		case models.OperatorEquals:
			ok = present && valuesEqual(actual, c.Value)
		case models.OperatorGreaterThan:
			ok = present && greaterThan(actual, c.Value)
		case models.OperatorContains:
			ok = present && strings.Contains(toString(actual), toString(c.Value))
		default:
			if lenient {
				continue
			}
			return false, ErrUnknownOperator{Operator: c.Operator}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// lookupField resolves field in data; dotted names descend into nested objects.
func lookupField(data map[string]interface{}, field string) (interface{}, bool) {
	if v, ok := data[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares without type coercion, except that all numeric kinds compare by value.
func valuesEqual(a, b interface{}) bool {
	fa, aNum := numericValue(a)
	fb, bNum := numericValue(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func greaterThan(a, b interface{}) bool {
	fa, ok := toNumber(a)
	if !ok {
		return false
	}
	fb, ok := toNumber(b)
	if !ok {
		return false
	}
	return fa > fb
}

// numericValue converts Go numeric kinds only.
func numericValue(v interface{}) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// toNumber also accepts numeric strings, and booleans as 1 and 0.
func toNumber(v interface{}) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
