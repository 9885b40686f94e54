// Package models provides the record types appended to a scheduler.
//
// A Record is an ordered mapping from field name to value. Field order is the
// order of first Set and decides column order in the uploaded Parquet files.
package models

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ajitpratap0/hubsync/pkg/errors"
)

// AssetPath is a filesystem path to a binary asset (image or audio) that is
// embedded into the uploaded file at flush time.
type AssetPath string

// Field is a single named value of a Record
type Field struct {
	Name  string
	Value interface{}
}

// Record is an ordered set of fields
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord creates an empty record
func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// FromMap creates a record from a map. Keys are ordered lexically so that
// column order is deterministic.
func FromMap(m map[string]interface{}) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := &Record{
		fields: make([]Field, 0, len(keys)),
		index:  make(map[string]int, len(keys)),
	}
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}

// Set sets a field. Existing fields keep their position.
func (r *Record) Set(name string, value interface{}) *Record {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = value
		return r
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
	return r
}

// Get returns the value of a field
func (r *Record) Get(name string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Has reports whether the record contains the field
func (r *Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of fields
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Fields returns the fields in order. The returned slice is a copy.
func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Keys returns the field names in order
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Name
	}
	return keys
}

// ToMap returns the record as an unordered map
func (r *Record) ToMap() map[string]interface{} {
	m := make(map[string]interface{}, r.Len())
	for _, f := range r.Fields() {
		m[f.Name] = f.Value
	}
	return m
}

// Clone returns a shallow copy. Later Set calls on either record do not
// affect the other.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		fields: make([]Field, len(r.fields)),
		index:  make(map[string]int, len(r.index)),
	}
	copy(c.fields, r.fields)
	for k, v := range r.index {
		c.index[k] = v
	}
	return c
}

// Validate checks that the record can be stored. It returns an
// ErrorTypeInvalidRecord error for nil records, empty field names, and
// values that have no columnar representation.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New(errors.ErrorTypeInvalidRecord, "record is nil")
	}
	for _, f := range r.fields {
		if f.Name == "" {
			return errors.New(errors.ErrorTypeInvalidRecord, "field name is empty")
		}
		if err := validateValue(f.Value); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInvalidRecord, "unsupported value").
				WithDetail("field", f.Name)
		}
	}
	return nil
}

func validateValue(v interface{}) error {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, []byte, AssetPath,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	}
	return validateKind(reflect.ValueOf(v), 0)
}

// validateKind walks nested values, which are stored JSON-encoded
func validateKind(v reflect.Value, depth int) error {
	if depth > 32 {
		return fmt.Errorf("value nested too deeply")
	}
	switch v.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer, reflect.Uintptr:
		return fmt.Errorf("kind %s cannot be stored", v.Kind())
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return validateKind(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := validateKind(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map keys must be strings, got %s", v.Type().Key())
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := validateKind(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := validateKind(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
