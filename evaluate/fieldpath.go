package evaluate

import (
	"regexp"
	"strconv"
	"strings"
)

var arraySegment = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// ResolvePath walks a dotted path through nested maps and slices, supporting
// `name[index]` segments. Missing or mistyped segments resolve to nil.
func ResolvePath(data map[string]any, path string) any {
	if data == nil || path == "" {
		return nil
	}

	var value any = data
	for _, key := range strings.Split(path, ".") {
		if value == nil {
			return nil
		}

		if m := arraySegment.FindStringSubmatch(key); m != nil {
			idx, err := strconv.Atoi(m[2])
			if err != nil {
				return nil
			}
			value = lookup(value, m[1])
			value = index(value, idx)
			continue
		}
		value = lookup(value, key)
	}
	return value
}

func lookup(value any, key string) any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func index(value any, i int) any {
	switch s := value.(type) {
	case []any:
		if i < 0 || i >= len(s) {
			return nil
		}
		return s[i]
	case []string:
		if i < 0 || i >= len(s) {
			return nil
		}
		return s[i]
	case []float64:
		if i < 0 || i >= len(s) {
			return nil
		}
		return s[i]
	default:
		return nil
	}
}
