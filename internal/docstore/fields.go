package docstore

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Timestamp encodes t the way timestamps are stored in documents: Unix milliseconds.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// String returns the string stored under key, or "" when absent or not a string.
func (f Fields) String(key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// Strings returns the string list stored under key. Lists decoded from JSON
// arrive as []any and are converted element by element.
func (f Fields) Strings(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time decodes a stored timestamp. Backends hand numbers back in different
// shapes (int64 in memory, float64 or json.Number after a JSON round trip), so
// all of them are accepted, as are time.Time values and RFC 3339 strings.
func (f Fields) Time(key string) (time.Time, bool) {
	switch v := f[key].(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return *v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		ms, ok := toFloat(v)
		if !ok || ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(math.Round(ms))), true
	}
}

// Equal compares two field values with numbers compared by value regardless
// of their Go type.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}
