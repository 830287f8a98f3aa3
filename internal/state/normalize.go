package state

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// normalize converts a decoded wire value to the canonical form for kind.
// JSON null is kept as nil for every kind.
func normalize(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindNumber:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case KindBool:
		if b, ok := toBool(v); ok {
			return b, nil
		}
	case KindString:
		switch x := v.(type) {
		case string:
			return x, nil
		case bool:
			return strconv.FormatBool(x), nil
		}
		if f, ok := toFloat(v); ok {
			return formatFloat(f), nil
		}
	case KindAny:
		return canonical(v), nil
	}
	return nil, fmt.Errorf("cannot use %T value %v as %s", v, v, kind)
}

// toFloat accepts finite numbers and numeric strings. NaN and the
// infinities are rejected: they never compare equal and have no JSON form.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, finite(x)
	case float32:
		return float64(x), finite(float64(x))
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		return parseFloat(x.String())
	case string:
		return parseFloat(strings.TrimSpace(x))
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	if f, ok := toFloat(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

// canonical rewrites json.Number leaves as float64 so that equal documents
// compare equal regardless of how they were decoded.
func canonical(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, ok := parseFloat(x.String()); ok {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = canonical(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonical(e)
		}
		return out
	}
	return v
}

func equal(a, b any) bool {
	if fa, ok := a.(float64); ok {
		fb, ok := b.(float64)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// parseFloat parses s as a finite float64. Returns (0, false) for empty,
// non-numeric or non-finite strings.
func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(v) {
		return 0, false
	}
	return v, true
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// formatFloat returns the shortest decimal representation of v with no
// trailing zeros (e.g. 72.0 → "72", 1.37 → "1.37").
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
