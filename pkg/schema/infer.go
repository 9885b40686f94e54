package schema

import "strings"

// Infer returns the feature for a column first seen with the given value.
//
// Column names containing "image" or "audio" are asset columns regardless of
// the value. Otherwise the value decides; bool is matched before the integer
// kinds so flags never become counts. Named types follow their underlying
// kind. Anything else, nil included, is a string.
func Infer(key string, value interface{}) Feature {
	if strings.Contains(key, "image") {
		return Feature{Type: Image}
	}
	if strings.Contains(key, "audio") {
		return Feature{Type: Audio}
	}

	switch value.(type) {
	case bool:
		return ValueOf(Bool)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ValueOf(Int64)
	case float32, float64:
		return ValueOf(Float64)
	case []byte:
		return ValueOf(Binary)
	}
	if u, ok := underlying(value); ok {
		return Infer(key, u)
	}
	return ValueOf(String)
}

// Observe adds an inferred feature for key unless the schema already has one.
// It reports whether the column was added.
func (s *Schema) Observe(key string, value interface{}) bool {
	if s.Has(key) {
		return false
	}
	s.Set(key, Infer(key, value))
	return true
}
