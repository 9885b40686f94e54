package columnar

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ajitpratap0/hubsync/pkg/models"
	"github.com/ajitpratap0/hubsync/pkg/schema"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Writer writes rows of coerced values into one Parquet file.
//
// Row values are positional and follow the schema column order. Each value
// is nil or the Go type produced by schema.Coerce for its column.
type Writer struct {
	config         *WriterConfig
	schema         *schema.Schema
	arrowSchema    *arrow.Schema
	fileWriter     *pqarrow.FileWriter
	recordBuilder  *array.RecordBuilder
	recordsWritten int64
	currentBatch   int
	closed         bool
	mu             sync.Mutex
}

// sink hides Close from the file writer so the caller owns the destination
type sink struct {
	io.Writer
}

// NewWriter creates a Parquet writer for s on w. Closing the Writer does
// not close w.
func NewWriter(w io.Writer, s *schema.Schema, config *WriterConfig) (*Writer, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	arrowSchema, err := ArrowSchema(s)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}

	codec, _ := ParseCompression(config.Compression)
	opts := []parquet.WriterProperty{
		parquet.WithCompression(codec),
		parquet.WithDictionaryDefault(true),
	}
	if config.RowGroupSize > 0 {
		opts = append(opts, parquet.WithMaxRowGroupLength(config.RowGroupSize))
	}
	if config.CreatedBy != "" {
		opts = append(opts, parquet.WithCreatedBy(config.CreatedBy))
	}

	pool := memory.NewGoAllocator()
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(pool),
		pqarrow.WithStoreSchema(),
	)

	fw, err := pqarrow.NewFileWriter(arrowSchema, sink{w}, parquet.NewWriterProperties(opts...), arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	return &Writer{
		config:        config,
		schema:        s.Clone(),
		arrowSchema:   arrowSchema,
		fileWriter:    fw,
		recordBuilder: array.NewRecordBuilder(pool, arrowSchema),
	}, nil
}

// WriteRow appends one row
func (pw *Writer) WriteRow(values []interface{}) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.closed {
		return fmt.Errorf("parquet writer is closed")
	}
	if len(values) != pw.arrowSchema.NumFields() {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), pw.arrowSchema.NumFields())
	}

	// Validate the whole row first so a bad value never leaves the
	// builders with columns of different lengths.
	for i, v := range values {
		if err := checkValue(pw.arrowSchema.Field(i).Type, v); err != nil {
			return fmt.Errorf("failed to append value for field %s: %w", pw.arrowSchema.Field(i).Name, err)
		}
	}
	for i, v := range values {
		appendValue(pw.recordBuilder.Field(i), v)
	}
	pw.currentBatch++

	if pw.config.BatchSize > 0 && pw.currentBatch >= pw.config.BatchSize {
		return pw.flushBatch()
	}
	return nil
}

// Flush hands buffered rows to the file writer
func (pw *Writer) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.flushBatch()
}

// Close flushes buffered rows and writes the footer
func (pw *Writer) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.closed {
		return nil
	}
	pw.closed = true
	defer pw.recordBuilder.Release()

	if err := pw.flushBatch(); err != nil {
		_ = pw.fileWriter.Close()
		return err
	}
	if err := pw.fileWriter.Close(); err != nil {
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return nil
}

// Format returns the columnar format
func (pw *Writer) Format() Format {
	return Parquet
}

// RecordsWritten returns the number of rows handed to the file writer
func (pw *Writer) RecordsWritten() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.recordsWritten
}

func (pw *Writer) flushBatch() error {
	if pw.currentBatch == 0 {
		return nil
	}

	record := pw.recordBuilder.NewRecord()
	defer record.Release()

	if err := pw.fileWriter.Write(record); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}

	pw.recordsWritten += int64(pw.currentBatch)
	pw.currentBatch = 0
	return nil
}

func checkValue(typ arrow.DataType, value interface{}) error {
	if value == nil {
		return nil
	}

	var ok bool
	switch typ.ID() {
	case arrow.STRING:
		_, ok = value.(string)
	case arrow.INT64:
		_, ok = value.(int64)
	case arrow.FLOAT64:
		_, ok = value.(float64)
	case arrow.BOOL:
		_, ok = value.(bool)
	case arrow.BINARY:
		_, ok = value.([]byte)
	case arrow.STRUCT:
		_, ok = value.(schema.Asset)
	default:
		return fmt.Errorf("unsupported column type: %s", typ)
	}
	if !ok {
		return fmt.Errorf("cannot write %T to %s column", value, typ)
	}
	return nil
}

func appendValue(builder array.Builder, value interface{}) {
	if value == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.StringBuilder:
		b.Append(value.(string))
	case *array.Int64Builder:
		b.Append(value.(int64))
	case *array.Float64Builder:
		b.Append(value.(float64))
	case *array.BooleanBuilder:
		b.Append(value.(bool))
	case *array.BinaryBuilder:
		b.Append(value.([]byte))
	case *array.StructBuilder:
		asset := value.(schema.Asset)
		b.Append(true)
		bytesBuilder := b.FieldBuilder(0).(*array.BinaryBuilder)
		if asset.Bytes == nil {
			bytesBuilder.AppendNull()
		} else {
			bytesBuilder.Append(asset.Bytes)
		}
		pathBuilder := b.FieldBuilder(1).(*array.StringBuilder)
		if asset.Path == "" {
			pathBuilder.AppendNull()
		} else {
			pathBuilder.Append(asset.Path)
		}
	}
}

// ReaderConfig configures the Parquet reader
type ReaderConfig struct {
	BatchSize int
}

// DefaultReaderConfig returns default reader configuration
func DefaultReaderConfig() *ReaderConfig {
	return &ReaderConfig{BatchSize: 1024}
}

// Reader reads back files produced by Writer
type Reader struct {
	config      *ReaderConfig
	fileReader  *file.Reader
	arrowReader *pqarrow.FileReader
	schema      *schema.Schema
	metadata    map[string]string
}

// OpenFile opens a Parquet file on disk
func OpenFile(path string, config *ReaderConfig) (*Reader, error) {
	fr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	r, err := newReader(fr, config)
	if err != nil {
		_ = fr.Close()
		return nil, err
	}
	return r, nil
}

// NewReader creates a reader over an in-memory or seekable source
func NewReader(r parquet.ReaderAtSeeker, config *ReaderConfig) (*Reader, error) {
	fr, err := file.NewParquetReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet reader: %w", err)
	}
	return newReader(fr, config)
}

func newReader(fr *file.Reader, config *ReaderConfig) (*Reader, error) {
	if config == nil {
		config = DefaultReaderConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReaderConfig().BatchSize
	}

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: int64(config.BatchSize)}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow reader: %w", err)
	}

	kv := fr.MetaData().KeyValueMetadata()
	metadata := make(map[string]string, len(kv))
	keys, values := kv.Keys(), kv.Values()
	for i := range keys {
		metadata[keys[i]] = values[i]
	}

	r := &Reader{
		config:      config,
		fileReader:  fr,
		arrowReader: arrowReader,
		metadata:    metadata,
	}

	if md, ok := metadata[schema.MetadataKey]; ok {
		s, err := schema.ParseMetadata(md)
		if err != nil {
			return nil, err
		}
		r.schema = s
	} else {
		arrowSchema, err := arrowReader.Schema()
		if err != nil {
			return nil, fmt.Errorf("failed to get Arrow schema: %w", err)
		}
		r.schema = schema.New()
		for _, f := range arrowSchema.Fields() {
			r.schema.Set(f.Name, FeatureOf(f.Type))
		}
	}
	return r, nil
}

// Schema returns the features from the file metadata, or ones derived from
// the Arrow schema when the file has none
func (r *Reader) Schema() *schema.Schema {
	return r.schema.Clone()
}

// Metadata returns the Parquet key/value metadata
func (r *Reader) Metadata() map[string]string {
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// NumRows returns the row count from the footer
func (r *Reader) NumRows() int64 {
	return r.fileReader.NumRows()
}

// NumRowGroups returns the row group count from the footer
func (r *Reader) NumRowGroups() int {
	return r.fileReader.NumRowGroups()
}

// Format returns the columnar format
func (r *Reader) Format() Format {
	return Parquet
}

// ReadRecords reads every row. Asset columns come back as schema.Asset.
func (r *Reader) ReadRecords(ctx context.Context) ([]*models.Record, error) {
	rr, err := r.arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	records := make([]*models.Record, 0, r.NumRows())
	for rr.Next() {
		batch := rr.Record()
		for row := 0; row < int(batch.NumRows()); row++ {
			record := models.NewRecord()
			for col := 0; col < int(batch.NumCols()); col++ {
				record.Set(batch.ColumnName(col), columnValue(batch.Column(col), row))
			}
			records = append(records, record)
		}
	}
	if err := rr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read record batch: %w", err)
	}
	return records, nil
}

// Close releases the file
func (r *Reader) Close() error {
	return r.fileReader.Close()
}

func columnValue(col arrow.Array, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Float64:
		return c.Value(row)
	case *array.String:
		return c.Value(row)
	case *array.LargeString:
		return c.Value(row)
	case *array.Binary:
		return copyBytes(c.Value(row))
	case *array.LargeBinary:
		return copyBytes(c.Value(row))
	case *array.Struct:
		var asset schema.Asset
		st := c.DataType().(*arrow.StructType)
		if i, ok := st.FieldIdx(AssetBytesField); ok {
			if v, ok := columnValue(c.Field(i), row).([]byte); ok {
				asset.Bytes = v
			}
		}
		if i, ok := st.FieldIdx(AssetPathField); ok {
			if v, ok := columnValue(c.Field(i), row).(string); ok {
				asset.Path = v
			}
		}
		return asset
	default:
		return col.ValueStr(row)
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
