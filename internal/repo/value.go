package repo

import "strconv"

// ToBool converts a property value to a boolean with null safety: a nil or
// unconvertible value yields nil, meaning "not set". Stored values may come
// back as bool, string or number depending on how they were written.
func ToBool(v any) *bool {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		b := val
		return &b
	case *bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil
		}
		return &b
	case float64:
		b := val != 0
		return &b
	case int:
		b := val != 0
		return &b
	case int64:
		b := val != 0
		return &b
	default:
		return nil
	}
}

// ToString converts a property value to a string, returning "" for nil or
// non-string values.
func ToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
