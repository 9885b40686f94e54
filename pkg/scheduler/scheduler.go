// Package scheduler buffers appended records and periodically uploads them
// as Parquet files.
//
// Append only takes the buffer lock. A background loop flushes every
// Config.Every: the pending batch is swapped for an empty one, serialized
// with the column schema embedded as "huggingface" metadata and uploaded
// under <path_in_repo>/<uuid>.parquet. Records of a failed upload return to
// the front of the buffer.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/metrics"
	"github.com/ajitpratap0/hubsync/pkg/models"
	"github.com/ajitpratap0/hubsync/pkg/observability"
	"github.com/ajitpratap0/hubsync/pkg/schema"
	"go.uber.org/zap"
)

// Option customizes a scheduler
type Option func(*ParquetScheduler)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *ParquetScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry records uploaded schemas in r instead of a private registry
func WithRegistry(r *schema.Registry) Option {
	return func(s *ParquetScheduler) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithDestinationName sets the destination label of retry metrics
func WithDestinationName(name string) Option {
	return func(s *ParquetScheduler) {
		s.destName = name
	}
}

// FlushResult describes one flush
type FlushResult struct {
	// PathInRepo is the uploaded file; empty when nothing was uploaded
	PathInRepo       string        `json:"path_in_repo,omitempty"`
	Records          int           `json:"records"`
	Columns          int           `json:"columns"`
	Bytes            int64         `json:"bytes"`
	SchemaVersion    int           `json:"schema_version,omitempty"`
	CoercionFailures int           `json:"coercion_failures"`
	AssetsEmbedded   int           `json:"assets_embedded"`
	AssetsMissing    int           `json:"assets_missing"`
	Attempts         int           `json:"attempts"`
	Duration         time.Duration `json:"duration"`
	// Spooled is the local path of a file kept for a later upload
	Spooled string `json:"spooled,omitempty"`
}

// Empty reports whether the flush had no records
func (r *FlushResult) Empty() bool {
	return r == nil || r.Records == 0
}

// Stats are cumulative scheduler counters
type Stats struct {
	Appended      int64     `json:"appended"`
	Uploaded      int64     `json:"uploaded"`
	Files         int64     `json:"files"`
	FailedFlushes int64     `json:"failed_flushes"`
	// Rejected counts records of batches that failed before their upload
	Rejected      int64     `json:"rejected"`
	Pending       int       `json:"pending"`
	LastFlush     time.Time `json:"last_flush"`
	LastError     string    `json:"last_error,omitempty"`
}

// ParquetScheduler buffers records and uploads them on a timer
type ParquetScheduler struct {
	config     *Config
	dest       destination.Destination
	destName   string
	logger     *zap.Logger
	metrics    *metrics.Collector
	tracer     *observability.ComponentTracer
	registry   *schema.Registry
	pathInRepo string

	// mu guards buffer and closed; it is never held during I/O
	mu     sync.Mutex
	buffer []*models.Record
	closed bool

	// flushMu makes flushes single-flight and guards schema
	flushMu sync.Mutex
	schema  *schema.Schema
	// snapshot is a copy of schema published after each flush
	snapshot atomic.Pointer[schema.Schema]

	appended      atomic.Int64
	uploaded      atomic.Int64
	files         atomic.Int64
	failedFlushes atomic.Int64
	rejected      atomic.Int64
	lastMu        sync.Mutex
	lastFlush     time.Time
	lastErr       error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a scheduler, ensures the repository exists, uploads files left
// in the spool directory and starts the flush loop. Spooled files that fail
// again stay in the spool for the next New.
func New(ctx context.Context, cfg *Config, dest destination.Destination, opts ...Option) (*ParquetScheduler, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "scheduler config is required")
	}
	if dest == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "destination is required")
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pathInRepo, _ := destination.CleanPathInRepo(c.PathInRepo)

	s := &ParquetScheduler{
		config:     &c,
		dest:       dest,
		destName:   "default",
		logger:     zap.NewNop(),
		metrics:    metrics.NewCollector(c.RepoID),
		tracer:     observability.NewComponentTracer("scheduler", c.RepoID),
		pathInRepo: pathInRepo,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "parquet_scheduler"), zap.String("repo", c.RepoID))
	if s.registry == nil {
		s.registry = schema.NewRegistry(s.logger)
	}

	if c.Schema != nil {
		s.schema = c.Schema.Clone()
	} else {
		s.schema = schema.New()
	}
	s.snapshot.Store(s.schema.Clone())

	if err := dest.EnsureRepo(ctx, c.RepoID, c.Private); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpload, "failed to ensure repository")
	}

	if c.SpoolDir != "" {
		if err := s.drainSpool(ctx); err != nil {
			s.logger.Warn("spool not drained", zap.Error(err))
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()

	s.logger.Info("scheduler started",
		zap.Duration("every", c.Every),
		zap.String("path_in_repo", pathInRepo))
	return s, nil
}

// Append adds a record to the pending batch. The record is copied; later
// changes by the caller are not seen.
func (s *ParquetScheduler) Append(record *models.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	rec := record.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeClosed, "scheduler is stopped")
	}
	s.buffer = append(s.buffer, rec)
	n := len(s.buffer)
	s.mu.Unlock()

	s.appended.Add(1)
	s.metrics.RecordsAppended(1)
	s.metrics.SetPending(n)
	return nil
}

// AppendMap appends a record built from m with keys in lexical order
func (s *ParquetScheduler) AppendMap(m map[string]interface{}) error {
	return s.Append(models.FromMap(m))
}

// Pending returns the number of buffered records
func (s *ParquetScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Schema returns a copy of the column schema as of the last flush
func (s *ParquetScheduler) Schema() *schema.Schema {
	return s.snapshot.Load().Clone()
}

// Registry returns the schema registry
func (s *ParquetScheduler) Registry() *schema.Registry {
	return s.registry
}

// Stats returns cumulative counters
func (s *ParquetScheduler) Stats() Stats {
	st := Stats{
		Appended:      s.appended.Load(),
		Uploaded:      s.uploaded.Load(),
		Files:         s.files.Load(),
		FailedFlushes: s.failedFlushes.Load(),
		Rejected:      s.rejected.Load(),
		Pending:       s.Pending(),
	}
	s.lastMu.Lock()
	st.LastFlush = s.lastFlush
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.lastMu.Unlock()
	return st
}

// Flush uploads the pending batch now. An empty batch returns a result with
// zero records and performs no I/O.
func (s *ParquetScheduler) Flush(ctx context.Context) (*FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flush(ctx, false)
}

// Stop stops the loop, waits for a running flush and flushes what is left.
// If that upload fails and a spool directory is configured the file is kept
// there for the next New. Cancelling ctx aborts running uploads. Append
// fails after Stop.
func (s *ParquetScheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		stopAbort := context.AfterFunc(ctx, s.cancel)
		defer stopAbort()

		close(s.done)
		s.wg.Wait()

		s.flushMu.Lock()
		defer s.flushMu.Unlock()

		var res *FlushResult
		res, err = s.flush(ctx, true)
		s.cancel()

		fields := []zap.Field{zap.Int("pending", s.Pending())}
		if res != nil {
			fields = append(fields, zap.Int("final_records", res.Records), zap.String("spooled", res.Spooled))
		}
		if err != nil {
			s.logger.Error("final flush failed", append(fields, zap.Error(err))...)
			return
		}
		s.logger.Info("scheduler stopped", fields...)
	})
	return err
}

func (s *ParquetScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *ParquetScheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled flush panicked", zap.Any("panic", r))
		}
	}()

	res, err := s.Flush(s.ctx)
	if err != nil {
		s.logger.Error("scheduled flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
		return
	}
	if !res.Empty() {
		s.logger.Debug("scheduled flush completed",
			zap.String("path", res.PathInRepo),
			zap.Int("records", res.Records))
	}
}

// swap takes the pending batch and leaves an empty one
func (s *ParquetScheduler) swap() []*models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.buffer
	s.buffer = nil
	s.metrics.SetPending(0)
	return batch
}

// requeue puts batch back in front of records appended since the swap
func (s *ParquetScheduler) requeue(batch []*models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(batch, s.buffer...)
	s.metrics.SetPending(len(s.buffer))
}

func (s *ParquetScheduler) recordOutcome(err error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.lastFlush = time.Now()
	s.lastErr = err
}
