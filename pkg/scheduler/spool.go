package scheduler

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/formats/columnar"
	"github.com/ajitpratap0/hubsync/pkg/models"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// rejectedPrefix names JSON-lines files of batches that could not be encoded
const rejectedPrefix = "rejected-"

// spool moves a finished Parquet file into SpoolDir under name
func (s *ParquetScheduler) spool(tmpPath, name string) (string, error) {
	if err := os.MkdirAll(s.config.SpoolDir, 0o750); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create spool directory")
	}
	target := filepath.Join(s.config.SpoolDir, name)
	if err := os.Rename(tmpPath, target); err == nil {
		return target, nil
	}

	// temp and spool directories may be on different devices
	if err := copyFile(tmpPath, target); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to spool file")
	}
	return target, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) //nolint:gosec // G304: scheduler-owned temp file
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // G304: spool path
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// drainSpool uploads spooled files under their original names. Files that
// still fail stay in the spool and are reported in the returned error.
func (s *ParquetScheduler) drainSpool(ctx context.Context) error {
	entries, err := os.ReadDir(s.config.SpoolDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to read spool directory")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), columnar.FileExtension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var failed int
	for _, name := range names {
		local := filepath.Join(s.config.SpoolDir, name)
		pathInRepo := path.Join(s.pathInRepo, name)

		_, err := s.upload(ctx, local, pathInRepo)
		if err != nil && errors.IsType(err, errors.ErrorTypeConflict) {
			s.logger.Info("spooled file already uploaded", zap.String("path", pathInRepo))
			err = nil
		}
		if err != nil {
			failed++
			s.logger.Error("failed to upload spooled file", zap.String("file", local), zap.Error(err))
			continue
		}

		s.registerSpooled(local)
		if err := os.Remove(local); err != nil {
			s.logger.Warn("failed to remove spooled file", zap.String("file", local), zap.Error(err))
		}
		s.files.Add(1)
		s.logger.Info("spooled file uploaded", zap.String("path", pathInRepo))
	}

	if failed > 0 {
		return errors.Newf(errors.ErrorTypeUpload, "%d spooled files could not be uploaded", failed).
			WithDetail("spool_dir", s.config.SpoolDir)
	}
	return nil
}

// registerSpooled records the schema embedded in a spooled file and merges
// its columns into the scheduler schema
func (s *ParquetScheduler) registerSpooled(local string) {
	r, err := columnar.OpenFile(local, nil)
	if err != nil {
		s.logger.Warn("failed to read spooled file schema", zap.String("file", local), zap.Error(err))
		return
	}
	defer r.Close()

	fileSchema := r.Schema()
	s.uploaded.Add(r.NumRows())
	for _, k := range fileSchema.Keys() {
		if !s.schema.Has(k) {
			f, _ := fileSchema.Get(k)
			s.schema.Set(k, f)
		}
	}
	s.snapshot.Store(s.schema.Clone())

	if _, err := s.registry.RegisterSchema(s.config.RepoID, s.schema); err != nil {
		s.logger.Warn("schema not registered", zap.String("file", local), zap.Error(err))
	}
}

// reject sets aside a batch that failed before its upload. With a spool
// directory the records are written there as JSON lines for inspection;
// otherwise they are dropped. The batch never returns to the buffer.
func (s *ParquetScheduler) reject(batch []*models.Record, cause error) {
	s.rejected.Add(int64(len(batch)))
	s.metrics.RecordsRejected(len(batch))

	if s.config.SpoolDir == "" {
		s.logger.Error("batch dropped", zap.Int("records", len(batch)), zap.Error(cause))
		return
	}
	target, written, err := s.writeRejected(batch)
	if err != nil {
		s.logger.Error("batch dropped, failed to write rejected records",
			zap.Int("records", len(batch)), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Error("batch set aside",
		zap.String("file", target),
		zap.Int("records", len(batch)),
		zap.Int("written", written),
		zap.Error(cause))
}

func (s *ParquetScheduler) writeRejected(batch []*models.Record) (string, int, error) {
	if err := os.MkdirAll(s.config.SpoolDir, 0o750); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create spool directory")
	}
	target := filepath.Join(s.config.SpoolDir, rejectedPrefix+uuid.NewString()+".jsonl")
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // G304: spool path
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create rejected file")
	}
	defer f.Close()

	written := 0
	for i, rec := range batch {
		line, err := encodeRecord(rec)
		if err != nil {
			s.logger.Warn("rejected record not written", zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return target, written, errors.Wrap(err, errors.ErrorTypeFile, "failed to write rejected file")
		}
		written++
	}
	return target, written, f.Sync()
}

func encodeRecord(rec *models.Record) (line []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeData, "record encoding panicked: %v", r)
		}
	}()
	return gojson.Marshal(rec.ToMap())
}
