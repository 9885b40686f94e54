package schema

import (
	"fmt"

	gojson "github.com/goccy/go-json"
)

// MetadataKey is the Parquet key/value metadata key read by `datasets`
const MetadataKey = "huggingface"

type metadataInfo struct {
	Features *Schema `json:"features"`
}

type metadataDoc struct {
	Info metadataInfo `json:"info"`
}

// Metadata returns the value stored under MetadataKey:
// {"info": {"features": <schema>}}
func Metadata(s *Schema) (string, error) {
	if s == nil {
		s = New()
	}
	b, err := gojson.Marshal(metadataDoc{Info: metadataInfo{Features: s}})
	if err != nil {
		return "", fmt.Errorf("failed to encode schema metadata: %w", err)
	}
	return string(b), nil
}

// ParseMetadata extracts the features from a MetadataKey value
func ParseMetadata(value string) (*Schema, error) {
	doc := metadataDoc{Info: metadataInfo{Features: New()}}
	if err := gojson.Unmarshal([]byte(value), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode schema metadata: %w", err)
	}
	if doc.Info.Features == nil {
		return New(), nil
	}
	return doc.Info.Features, nil
}
