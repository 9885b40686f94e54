package scheduler

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/formats/columnar"
	"github.com/ajitpratap0/hubsync/pkg/metrics"
	"github.com/ajitpratap0/hubsync/pkg/models"
	"github.com/ajitpratap0/hubsync/pkg/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// flush runs with flushMu held. final spools the file instead of
// re-queueing the batch when the upload fails.
func (s *ParquetScheduler) flush(ctx context.Context, final bool) (res *FlushResult, err error) {
	timer := metrics.NewTimer("flush")
	batch := s.swap()
	if len(batch) == 0 {
		s.metrics.FlushCompleted(metrics.StatusEmpty, 0, 0, 0)
		return &FlushResult{}, nil
	}

	ctx, span := s.tracer.StartSpan(ctx, "flush")
	defer span.End()
	span.SetAttribute("hubsync.records", len(batch))

	// requeue is set only when the upload itself failed; a batch that
	// cannot be encoded would fail the same way on every later flush
	requeue := false
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "flush panicked: %v", r)
		}
		if err != nil {
			if requeue {
				s.requeue(batch)
			} else if res == nil || res.Spooled == "" {
				s.reject(batch, err)
			}
			s.failedFlushes.Add(1)
			s.metrics.FlushCompleted(metrics.StatusFailure, timer.Stop(), len(batch), 0)
			span.RecordError(err)
		}
		s.recordOutcome(err)
	}()

	res = &FlushResult{Records: len(batch)}
	for _, rec := range batch {
		for _, f := range rec.Fields() {
			if s.schema.Observe(f.Name, f.Value) {
				feature, _ := s.schema.Get(f.Name)
				s.logger.Debug("column added", zap.String("column", f.Name), zap.Stringer("feature", feature))
			}
		}
	}
	current := s.schema.Clone()
	s.snapshot.Store(current.Clone())
	res.Columns = current.Len()

	rows, staged := s.buildRows(current, batch, res)

	tmpPath, size, err := s.writeFile(current, rows)
	if tmpPath != "" {
		defer func() {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("failed to remove temporary file", zap.String("file", tmpPath), zap.Error(rmErr))
			}
		}()
	}
	if err != nil {
		return nil, err
	}
	res.Bytes = size

	name := uuid.NewString() + columnar.FileExtension
	res.PathInRepo = path.Join(s.pathInRepo, name)
	span.SetAttribute("hubsync.path_in_repo", res.PathInRepo)

	attempts, err := s.upload(ctx, tmpPath, res.PathInRepo)
	res.Attempts = attempts
	if err != nil {
		uploadErr := errors.Wrap(err, errors.ErrorTypeUpload, "failed to upload batch").
			WithDetail("path_in_repo", res.PathInRepo).
			WithDetail("records", len(batch))
		if final && s.config.SpoolDir != "" {
			spooled, spoolErr := s.spool(tmpPath, name)
			if spoolErr == nil {
				res.Spooled = spooled
				s.logger.Warn("upload failed, batch spooled",
					zap.String("file", spooled), zap.Int("records", len(batch)), zap.Error(err))
				return res, uploadErr
			}
			s.logger.Error("failed to spool batch", zap.Error(spoolErr))
		}
		requeue = true
		return res, uploadErr
	}

	version, regErr := s.registry.RegisterSchema(s.config.RepoID, current)
	if regErr != nil {
		s.logger.Warn("schema not registered", zap.Error(regErr))
	} else {
		res.SchemaVersion = version.Version
	}

	for _, p := range staged {
		if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove asset", zap.String("file", p), zap.Error(rmErr))
		}
	}

	res.Duration = timer.Stop()
	s.uploaded.Add(int64(len(batch)))
	s.files.Add(1)
	s.metrics.FlushCompleted(metrics.StatusSuccess, res.Duration, len(batch), size)
	s.logger.Info("batch uploaded",
		zap.String("path", res.PathInRepo),
		zap.Int("records", res.Records),
		zap.Int("columns", res.Columns),
		zap.Int64("bytes", size),
		zap.Int("attempts", attempts),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// buildRows produces one positional row per record following schema order.
// It returns asset files to delete after a successful upload.
func (s *ParquetScheduler) buildRows(sch *schema.Schema, batch []*models.Record, res *FlushResult) ([][]interface{}, []string) {
	keys := sch.Keys()
	features := make([]schema.Feature, len(keys))
	for i, k := range keys {
		features[i], _ = sch.Get(k)
	}

	var staged []string
	seen := make(map[string]bool)
	rows := make([][]interface{}, len(batch))
	for r, rec := range batch {
		row := make([]interface{}, len(keys))
		for i, k := range keys {
			v, ok := rec.Get(k)
			if !ok || v == nil {
				continue
			}
			cell, err := coerceCell(features[i], v)
			if err != nil {
				res.CoercionFailures++
				s.metrics.CoercionFailed(k)
				s.logger.Warn("value stored as null",
					zap.String("column", k),
					zap.Stringer("feature", features[i]),
					zap.String("value_type", fmt.Sprintf("%T", v)),
					zap.Error(err))
				continue
			}
			if asset, isAsset := cell.(schema.Asset); isAsset {
				var src string
				cell, src = s.loadAsset(k, asset, res)
				if src != "" && !seen[src] {
					seen[src] = true
					staged = append(staged, src)
				}
			}
			row[i] = cell
		}
		rows[r] = row
	}
	return rows, staged
}

// coerceCell converts one value, turning a panic in a value's own methods
// into an error
func coerceCell(f schema.Feature, v interface{}) (cell interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			cell, err = nil, errors.Newf(errors.ErrorTypeData, "value conversion panicked: %v", r)
		}
	}()
	return schema.Coerce(f, v)
}

// loadAsset embeds the file an asset path points to. A file that cannot be
// read is kept as a path reference with no bytes.
func (s *ParquetScheduler) loadAsset(column string, a schema.Asset, res *FlushResult) (schema.Asset, string) {
	if a.Bytes != nil || a.Path == "" {
		return a, ""
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		res.AssetsMissing++
		s.metrics.AssetLoaded(metrics.AssetMissing)
		s.logger.Warn("asset not embedded",
			zap.String("column", column),
			zap.String("file", a.Path),
			zap.Error(err))
		return a, ""
	}
	res.AssetsEmbedded++
	s.metrics.AssetLoaded(metrics.AssetEmbedded)
	return schema.Asset{Path: filepath.Base(a.Path), Bytes: data}, a.Path
}

// writeFile encodes rows into a temporary Parquet file. The returned path is
// set whenever the file was created, including on error.
func (s *ParquetScheduler) writeFile(sch *schema.Schema, rows [][]interface{}) (string, int64, error) {
	f, err := os.CreateTemp(s.config.TempDir, "hubsync-*"+columnar.FileExtension)
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create temporary file")
	}
	tmpPath := f.Name()
	defer f.Close()

	w, err := columnar.NewWriter(f, sch, s.config.writerConfig())
	if err != nil {
		return tmpPath, 0, errors.Wrap(err, errors.ErrorTypeData, "failed to create parquet writer")
	}
	for _, row := range rows {
		if err := w.WriteRow(row); err != nil {
			_ = w.Close()
			return tmpPath, 0, errors.Wrap(err, errors.ErrorTypeData, "failed to encode row")
		}
	}
	if err := w.Close(); err != nil {
		return tmpPath, 0, errors.Wrap(err, errors.ErrorTypeData, "failed to finish parquet file")
	}
	if err := f.Sync(); err != nil {
		return tmpPath, 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to sync temporary file")
	}

	info, err := f.Stat()
	if err != nil {
		return tmpPath, 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat temporary file")
	}
	return tmpPath, info.Size(), nil
}

// upload sends the file with retries. Each attempt is bounded by
// UploadTimeout. A conflict after a timed-out attempt means that attempt
// landed.
func (s *ParquetScheduler) upload(ctx context.Context, localPath, pathInRepo string) (int, error) {
	attempts := 0
	err := s.config.Retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		ctx, span := s.tracer.StartSpan(ctx, "upload")
		defer span.End()
		span.SetAttribute("hubsync.attempt", attempts)

		if s.config.UploadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.UploadTimeout)
			defer cancel()
		}

		err := s.dest.UploadFile(ctx, s.config.RepoID, localPath, pathInRepo)
		if err != nil && attempts > 1 && errors.IsType(err, errors.ErrorTypeConflict) {
			s.logger.Warn("file already present after retry", zap.String("path", pathInRepo))
			return nil
		}
		if err != nil {
			span.RecordError(err)
		}
		return err
	}, errors.IsRetryable, func(attempt int, err error, delay time.Duration) {
		metrics.UploadRetries.WithLabelValues(s.destName).Inc()
		s.logger.Warn("upload failed, retrying",
			zap.String("path", pathInRepo),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	return attempts, err
}
