package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type FieldType string

const (
	TypeString    FieldType = "string"
	TypeTimestamp FieldType = "timestamp"
	TypeEnum      FieldType = "enum"
	TypeObject    FieldType = "object"
	TypeArray     FieldType = "array"
	TypeNumber    FieldType = "number"
	TypeBool      FieldType = "bool"
)

// Field declares one canonical output field. Path is a dotted path into the
// provider data; numeric segments index arrays.
type Field struct {
	Name     string
	Path     string
	Type     FieldType
	Enum     []string
	Required bool
}

// Schema is the declarative output layout of one canonical event.
type Schema struct {
	Event  string
	Fields []Field
}

// Lookup resolves a dotted path in nested maps and slices.
func Lookup(data interface{}, path string) (interface{}, bool) {
	if path == "" {
		return data, true
	}
	current := data
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func coerce(f Field, v interface{}) (interface{}, error) {
	switch f.Type {
	case TypeString, "":
		switch s := v.(type) {
		case string:
			return s, nil
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		case json.Number:
			return s.String(), nil
		case int, int64, uint64:
			return fmt.Sprintf("%d", s), nil
		}
	case TypeTimestamp:
		if t, ok := ParseTimestamp(v); ok {
			return t.UTC().Format(time.RFC3339), nil
		}
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			break
		}
		if len(f.Enum) == 0 {
			return s, nil
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("field %s: %q is not one of %v", f.Name, s, f.Enum)
	case TypeObject:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	case TypeArray:
		if a, ok := v.([]interface{}); ok {
			return a, nil
		}
		if a, ok := v.([]string); ok {
			out := make([]interface{}, len(a))
			for i := range a {
				out[i] = a[i]
			}
			return out, nil
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case json.Number:
			return n.Float64()
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		return nil, fmt.Errorf("field %s: unknown type %s", f.Name, f.Type)
	}
	return nil, fmt.Errorf("field %s: expected %s, got %T", f.Name, f.Type, v)
}

// ParseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	var n float64
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return time.Time{}, false
		}
		n = f
	case float64:
		n = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		n = f
	case int64:
		n = float64(t)
	case int:
		n = float64(t)
	default:
		return time.Time{}, false
	}

	if n > 1e12 {
		return time.UnixMilli(int64(n)), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
