package schema

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/models"
	gojson "github.com/goccy/go-json"
)

// Asset is the cell value of Image and Audio columns. A nil Bytes with a
// non-empty Path is a reference to a file that was not embedded.
type Asset struct {
	Path  string
	Bytes []byte
}

// Coerce converts a value to the Go type stored for the feature:
// string, int64, float64, bool, []byte, or Asset. nil stays nil.
//
// Conversions are lossless only; anything else returns an ErrorTypeData error
// and the caller decides whether to store a null. Typed nil pointers, maps,
// slices and interfaces are nil.
func Coerce(f Feature, v interface{}) (interface{}, error) {
	if isNil(v) {
		return nil, nil
	}

	if f.IsAsset() {
		return coerceAsset(v)
	}

	switch f.Dtype {
	case String:
		return coerceString(v)
	case Int64:
		return coerceInt64(v)
	case Float64:
		return coerceFloat64(v)
	case Bool:
		return coerceBool(v)
	case Binary:
		return coerceBinary(v)
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unsupported dtype %q", f.Dtype)
	}
}

func mismatch(v interface{}, target string) error {
	return errors.Newf(errors.ErrorTypeData, "cannot store %T as %s", v, target)
}

func coerceAsset(v interface{}) (interface{}, error) {
	switch a := v.(type) {
	case Asset:
		return a, nil
	case *Asset:
		if a == nil {
			return nil, nil
		}
		return *a, nil
	case models.AssetPath:
		return Asset{Path: string(a)}, nil
	case string:
		return Asset{Path: a}, nil
	case []byte:
		return Asset{Bytes: a}, nil
	}
	if u, ok := underlying(v); ok {
		switch a := u.(type) {
		case string:
			return Asset{Path: a}, nil
		case []byte:
			return Asset{Bytes: a}, nil
		}
	}
	return nil, mismatch(v, "asset")
}

func coerceString(v interface{}) (interface{}, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case models.AssetPath:
		return string(s), nil
	case []byte:
		return string(s), nil
	case bool:
		return strconv.FormatBool(s), nil
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), nil
	case fmt.Stringer:
		return s.String(), nil
	}
	if u, ok := underlying(v); ok {
		return coerceString(u)
	}
	if i, ok := asInt64(v); ok {
		return strconv.FormatInt(i, 10), nil
	}
	if u, ok := v.(uint64); ok {
		return strconv.FormatUint(u, 10), nil
	}

	// Nested values are stored JSON-encoded
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode nested value")
	}
	return string(b), nil
}

func coerceInt64(v interface{}) (interface{}, error) {
	if i, ok := asInt64(v); ok {
		return i, nil
	}
	switch n := v.(type) {
	case float32:
		return floatToInt64(float64(n), v)
	case float64:
		return floatToInt64(n, v)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, mismatch(v, "int64")
		}
		return i, nil
	}
	if u, ok := underlying(v); ok {
		return coerceInt64(u)
	}
	return nil, mismatch(v, "int64")
}

func floatToInt64(f float64, orig interface{}) (interface{}, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, mismatch(orig, "int64")
	}
	return int64(f), nil
}

func coerceFloat64(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, mismatch(v, "float64")
		}
		return f, nil
	}
	if i, ok := asInt64(v); ok {
		return float64(i), nil
	}
	if u, ok := underlying(v); ok {
		return coerceFloat64(u)
	}
	return nil, mismatch(v, "float64")
}

func coerceBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return nil, mismatch(v, "bool")
		}
		return parsed, nil
	}
	if u, ok := underlying(v); ok {
		return coerceBool(u)
	}
	return nil, mismatch(v, "bool")
}

func coerceBinary(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	if u, ok := underlying(v); ok {
		return coerceBinary(u)
	}
	return nil, mismatch(v, "binary")
}

// asInt64 converts integer kinds. bool is not an integer here.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	if u, ok := underlying(v); ok {
		return asInt64(u)
	}
	return 0, false
}

// isNil reports nil values, including typed nil pointers, maps, slices and
// interfaces
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// underlying converts a value of a named bool, integer, float, string or
// byte slice type (or a non-nil pointer to one) to the predeclared type of
// its kind. ok is false when v is not such a value or already predeclared.
func underlying(v interface{}) (interface{}, bool) {
	if isNil(v) {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Type().PkgPath() == "" && rv.Type().Name() != "" && rv.Type() == reflect.TypeOf(v) {
		// already a predeclared type
		return nil, false
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 && rv.Type() != reflect.TypeOf([]byte(nil)) {
			return rv.Bytes(), true
		}
	}
	return nil, false
}
