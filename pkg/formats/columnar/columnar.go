// Package columnar writes and reads the Parquet files produced by a flush.
//
// Every file carries the dataset features under the "huggingface" key of the
// Parquet key/value metadata, so the Hugging Face `datasets` loader rebuilds
// the typed columns (Image and Audio included) without extra configuration.
package columnar

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/hubsync/pkg/schema"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet/compress"
)

// Format represents a columnar storage format
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
)

// FileExtension is appended to generated file names
const FileExtension = ".parquet"

// Asset struct child names, as written by `datasets` for Image and Audio
const (
	AssetBytesField = "bytes"
	AssetPathField  = "path"
)

// WriterConfig configures the Parquet writer
type WriterConfig struct {
	// Compression is one of snappy, zstd, gzip, brotli, lz4 or none
	Compression string `yaml:"compression" json:"compression"`
	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64 `yaml:"row_group_size" json:"row_group_size"`
	// BatchSize is the number of rows buffered in Arrow builders before
	// they are handed to the file writer
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CreatedBy is written to the file footer
	CreatedBy string `yaml:"-" json:"-"`
}

// DefaultWriterConfig returns default writer configuration
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Compression:  "snappy",
		RowGroupSize: 64 * 1024,
		BatchSize:    1024,
		CreatedBy:    "hubsync",
	}
}

// Validate checks the configuration
func (c *WriterConfig) Validate() error {
	if _, err := ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.RowGroupSize < 0 {
		return fmt.Errorf("row_group_size must not be negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	return nil
}

// ParseCompression maps a codec name to the Parquet codec. An empty name
// selects snappy.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression: %s", name)
	}
}

// AssetType is the Arrow type of Image and Audio columns
func AssetType() arrow.DataType {
	return arrow.StructOf(
		arrow.Field{Name: AssetBytesField, Type: arrow.BinaryTypes.Binary, Nullable: true},
		arrow.Field{Name: AssetPathField, Type: arrow.BinaryTypes.String, Nullable: true},
	)
}

// ArrowType returns the Arrow type stored for a feature
func ArrowType(f schema.Feature) (arrow.DataType, error) {
	if f.IsAsset() {
		return AssetType(), nil
	}
	switch f.Dtype {
	case schema.String:
		return arrow.BinaryTypes.String, nil
	case schema.Int64:
		return arrow.PrimitiveTypes.Int64, nil
	case schema.Float64:
		return arrow.PrimitiveTypes.Float64, nil
	case schema.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case schema.Binary:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("unsupported feature: %s", f)
	}
}

// ArrowSchema converts a dataset schema to an Arrow schema whose metadata
// holds the features under schema.MetadataKey. All columns are nullable.
func ArrowSchema(s *schema.Schema) (*arrow.Schema, error) {
	if s.Len() == 0 {
		return nil, fmt.Errorf("schema has no columns")
	}

	fields := make([]arrow.Field, 0, s.Len())
	for _, name := range s.Keys() {
		f, _ := s.Get(name)
		typ, err := ArrowType(f)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: name, Type: typ, Nullable: true})
	}

	md, err := schema.Metadata(s)
	if err != nil {
		return nil, err
	}
	meta := arrow.NewMetadata([]string{schema.MetadataKey}, []string{md})
	return arrow.NewSchema(fields, &meta), nil
}

// FeatureOf maps an Arrow type back to a feature. It is used for files
// without features metadata.
func FeatureOf(typ arrow.DataType) schema.Feature {
	switch typ.ID() {
	case arrow.BOOL:
		return schema.ValueOf(schema.Bool)
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return schema.ValueOf(schema.Int64)
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return schema.ValueOf(schema.Float64)
	case arrow.BINARY, arrow.LARGE_BINARY:
		return schema.ValueOf(schema.Binary)
	case arrow.STRUCT:
		st := typ.(*arrow.StructType)
		if _, ok := st.FieldByName(AssetBytesField); ok {
			return schema.Feature{Type: schema.Image}
		}
		return schema.ValueOf(schema.String)
	default:
		return schema.ValueOf(schema.String)
	}
}
