package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+?)\}\}`)

// Render replaces every {{ key }} placeholder whose key is present in data with
// the string form of its value. Unknown placeholders are left untouched.
func Render(text string, data map[string]interface{}) string {
	if text == "" || len(data) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		v, ok := data[key]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool, int, int32, int64, uint, uint32, uint64, json.Number:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
