package redmine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Map returns v as a JSON object, or nil.
func Map(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Slice returns v as a JSON array, or nil.
func Slice(v any) []any {
	s, _ := v.([]any)
	return s
}

// Maps returns the object elements of a JSON array, skipping anything else.
func Maps(v any) []map[string]any {
	items := Slice(v)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m := Map(item); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Int converts a decoded JSON scalar to int. Non numeric values yield 0.
func Int(v any) int {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return 0
}

// String converts a decoded JSON scalar to string.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

// Bool converts a decoded JSON scalar to bool.
func Bool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	case json.Number:
		return b.String() != "0"
	}
	return false
}

// Path walks nested objects and returns the value at the end, or nil.
func Path(v any, keys ...string) any {
	cur := v
	for _, k := range keys {
		m := Map(cur)
		if m == nil {
			return nil
		}
		cur = m[k]
	}
	return cur
}
