package task

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kwargs are the keyword arguments of a task as decoded from JSON.
type Kwargs map[string]any

// String returns kw[key] as a string, or def when absent.
func (kw Kwargs) String(key, def string) (string, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("kwarg %s: expected string, got %T", key, v)
	}
}

// Int returns kw[key] as an int. Whole floats and decimal strings are
// accepted since callers may send either.
func (kw Kwargs) Int(key string) (int, bool, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, true, fmt.Errorf("kwarg %s: %w", key, err)
	}
	return n, true, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%d out of range", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		// float64(math.MaxInt) rounds up to 2^63, itself out of range.
		if n < math.MinInt || n >= float64(math.MaxInt) {
			return 0, fmt.Errorf("%v out of range", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// IntArg reads an integer from kwargs key, falling back to positional
// argument pos.
func IntArg(args []string, kw Kwargs, key string, pos int) (int, error) {
	n, ok, err := kw.Int(key)
	if err != nil || ok {
		return n, err
	}
	if pos < len(args) {
		return toInt(args[pos])
	}
	return 0, fmt.Errorf("missing %s", key)
}
