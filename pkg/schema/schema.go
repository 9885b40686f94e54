// Package schema describes the column types of uploaded datasets.
//
// Column types follow the Hugging Face `datasets` features vocabulary so that
// readers of the uploaded Parquet files can rebuild typed columns from the
// embedded metadata:
//
//	{"prompt": {"_type": "Value", "dtype": "string"}, "image": {"_type": "Image"}}
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// FeatureType is the kind of a column
type FeatureType string

const (
	// Value is a scalar column with a Dtype
	Value FeatureType = "Value"
	// Image is a binary image column stored as {bytes, path}
	Image FeatureType = "Image"
	// Audio is a binary audio column stored as {bytes, path}
	Audio FeatureType = "Audio"
)

// Dtype is the scalar type of a Value column
type Dtype string

const (
	String  Dtype = "string"
	Int64   Dtype = "int64"
	Float64 Dtype = "float64"
	Bool    Dtype = "bool"
	Binary  Dtype = "binary"
)

// Feature is the type descriptor of one column
type Feature struct {
	Type  FeatureType `json:"_type" yaml:"_type"`
	Dtype Dtype       `json:"dtype,omitempty" yaml:"dtype,omitempty"`
}

// ValueOf returns a Value feature with the given dtype
func ValueOf(d Dtype) Feature {
	return Feature{Type: Value, Dtype: d}
}

// IsAsset reports whether the column holds binary assets loaded from files
func (f Feature) IsAsset() bool {
	return f.Type == Image || f.Type == Audio
}

// Validate checks the feature against the supported vocabulary
func (f Feature) Validate() error {
	switch f.Type {
	case Image, Audio:
		if f.Dtype != "" {
			return fmt.Errorf("%s feature takes no dtype", f.Type)
		}
		return nil
	case Value:
		switch f.Dtype {
		case String, Int64, Float64, Bool, Binary:
			return nil
		default:
			return fmt.Errorf("unsupported dtype %q", f.Dtype)
		}
	default:
		return fmt.Errorf("unsupported feature type %q", f.Type)
	}
}

func (f Feature) String() string {
	if f.Dtype == "" {
		return string(f.Type)
	}
	return fmt.Sprintf("%s(%s)", f.Type, f.Dtype)
}

// Schema is an ordered mapping from column name to Feature
type Schema struct {
	keys     []string
	features map[string]Feature
}

// New creates an empty schema
func New() *Schema {
	return &Schema{features: make(map[string]Feature)}
}

// Set adds or replaces a column. New columns are appended.
func (s *Schema) Set(name string, f Feature) {
	if s.features == nil {
		s.features = make(map[string]Feature)
	}
	if _, ok := s.features[name]; !ok {
		s.keys = append(s.keys, name)
	}
	s.features[name] = f
}

// Get returns the feature of a column
func (s *Schema) Get(name string) (Feature, bool) {
	if s == nil {
		return Feature{}, false
	}
	f, ok := s.features[name]
	return f, ok
}

// Has reports whether the column exists
func (s *Schema) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Keys returns the column names in order
func (s *Schema) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of columns
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Clone returns a deep copy
func (s *Schema) Clone() *Schema {
	c := New()
	if s == nil {
		return c
	}
	for _, k := range s.keys {
		c.Set(k, s.features[k])
	}
	return c
}

// Validate checks every feature
func (s *Schema) Validate() error {
	for _, k := range s.Keys() {
		if k == "" {
			return fmt.Errorf("schema has an empty column name")
		}
		if err := s.features[k].Validate(); err != nil {
			return fmt.Errorf("column %q: %w", k, err)
		}
	}
	return nil
}

// MarshalJSON encodes the schema as an object in column order
func (s *Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := gojson.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := gojson.Marshal(s.features[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping document order
func (s *Schema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("schema must be an object")
	}

	decoded := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to parse schema: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("schema key must be a string")
		}
		var f Feature
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		decoded.Set(name, f)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := decoded.Validate(); err != nil {
		return err
	}

	*s = *decoded
	return nil
}

// UnmarshalYAML decodes a mapping node keeping document order
func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("schema must be a mapping, got line %d", value.Line)
	}

	decoded := New()
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		var f Feature
		if err := value.Content[i+1].Decode(&f); err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		decoded.Set(name, f)
	}
	if err := decoded.Validate(); err != nil {
		return err
	}

	*s = *decoded
	return nil
}

// MarshalYAML encodes the schema as an ordered mapping
func (s *Schema) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range s.Keys() {
		var val yaml.Node
		if err := val.Encode(s.features[k]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&val,
		)
	}
	return node, nil
}
