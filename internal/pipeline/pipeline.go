// Package pipeline feeds JSON lines into a scheduler.
//
// Each non-blank line is one example. Raw lines are flat JSON objects whose
// keys become columns in lexical order; sft and dpo lines use the SFTExample
// and DPOExample shapes and are converted to the conversation and preference
// layouts before they are appended.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync/atomic"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/models"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Kind selects how a line is decoded
type Kind string

const (
	// KindRaw appends the JSON object as is
	KindRaw Kind = "raw"
	// KindSFT decodes an SFTExample
	KindSFT Kind = "sft"
	// KindDPO decodes a DPOExample
	KindDPO Kind = "dpo"
)

// DefaultMaxLineBytes bounds a single input line
const DefaultMaxLineBytes = 16 * 1024 * 1024

// ParseKind validates a kind name; empty is KindRaw
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindRaw:
		return KindRaw, nil
	case KindSFT, KindDPO:
		return Kind(s), nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown record kind %q (want raw, sft or dpo)", s)
	}
}

// Appender receives decoded records. *scheduler.ParquetScheduler implements it.
type Appender interface {
	Append(record *models.Record) error
}

// Config configures a Pipeline
type Config struct {
	Kind         Kind
	MaxLineBytes int
	// SkipInvalid logs and skips lines that fail to decode or validate
	// instead of stopping the run
	SkipInvalid bool
}

// Stats counts processed lines
type Stats struct {
	Lines    int64 `json:"lines"`
	Appended int64 `json:"appended"`
	Skipped  int64 `json:"skipped"`
}

// Pipeline reads lines and appends records
type Pipeline struct {
	config   Config
	appender Appender
	logger   *zap.Logger

	lines    atomic.Int64
	appended atomic.Int64
	skipped  atomic.Int64
}

// New creates a pipeline
func New(config Config, appender Appender, logger *zap.Logger) (*Pipeline, error) {
	if appender == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "appender is required")
	}
	kind, err := ParseKind(string(config.Kind))
	if err != nil {
		return nil, err
	}
	config.Kind = kind
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:   config,
		appender: appender,
		logger:   logger.With(zap.String("component", "pipeline"), zap.String("kind", string(kind))),
	}, nil
}

// Run consumes r until EOF or cancellation. A line that cannot be decoded
// stops the run unless SkipInvalid is set; an Append failure always does.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Stats, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), p.config.MaxLineBytes)

	var lineNo int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return p.Stats(), err
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		p.lines.Add(1)

		rec, err := Decode(p.config.Kind, line)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			if p.config.SkipInvalid {
				p.skipped.Add(1)
				p.logger.Warn("line skipped", zap.Int64("line", lineNo), zap.Error(err))
				continue
			}
			return p.Stats(), errors.Wrap(err, errors.ErrorTypeInvalidRecord, "invalid input").
				WithDetail("line", lineNo)
		}

		if err := p.appender.Append(rec); err != nil {
			return p.Stats(), err
		}
		p.appended.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return p.Stats(), errors.Wrap(err, errors.ErrorTypeFile, "failed to read input")
	}

	st := p.Stats()
	p.logger.Info("input consumed",
		zap.Int64("lines", st.Lines),
		zap.Int64("appended", st.Appended),
		zap.Int64("skipped", st.Skipped))
	return st, nil
}

// Stats returns the counters so far
func (p *Pipeline) Stats() Stats {
	return Stats{
		Lines:    p.lines.Load(),
		Appended: p.appended.Load(),
		Skipped:  p.skipped.Load(),
	}
}

// Decode converts one JSON line into a record
func Decode(kind Kind, line []byte) (*models.Record, error) {
	switch kind {
	case KindSFT:
		var ex models.SFTExample
		if err := gojson.Unmarshal(line, &ex); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidRecord, "malformed sft example")
		}
		return ex.Record()
	case KindDPO:
		var ex models.DPOExample
		if err := gojson.Unmarshal(line, &ex); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidRecord, "malformed dpo example")
		}
		return ex.Record()
	case KindRaw, "":
		return decodeRaw(line)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown record kind %q", kind)
	}
}

func decodeRaw(line []byte) (*models.Record, error) {
	if line[0] != '{' {
		return nil, errors.New(errors.ErrorTypeInvalidRecord, "record must be a JSON object")
	}
	dec := gojson.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidRecord, "malformed record")
	}
	for k, v := range m {
		m[k] = normalize(v)
	}
	return models.FromMap(m), nil
}

// normalize turns JSON numbers into int64 when integral and float64 otherwise
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case gojson.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	default:
		return v
	}
}
