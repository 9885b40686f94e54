// Package local stores repository files in a directory tree:
// <root>/<repoID>/<pathInRepo>
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"go.uber.org/zap"
)

func init() {
	_ = destination.Register("local", func(ctx context.Context, cfg *destination.Config) (destination.Destination, error) {
		return New(cfg.Root)
	})
}

// Destination writes files below a root directory
type Destination struct {
	root   string
	logger *zap.Logger
}

// New creates a local destination rooted at root
func New(root string) (*Destination, error) {
	if root == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to resolve root")
	}
	return &Destination{
		root:   abs,
		logger: logger.With(zap.String("component", "local_destination"), zap.String("root", abs)),
	}, nil
}

// Root returns the absolute root directory
func (d *Destination) Root() string {
	return d.root
}

// EnsureRepo creates the repository directory
func (d *Destination) EnsureRepo(ctx context.Context, repoID string, private bool) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}
	dir := filepath.Join(d.root, filepath.FromSlash(repoID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create repository directory")
	}
	d.logger.Debug("repository ready", zap.String("repo", repoID), zap.Bool("private", private))
	return nil
}

// UploadFile copies localPath into the repository. The file is written
// under a temporary name and linked into place, so readers never see a
// partial file and an existing file is never replaced.
func (d *Destination) UploadFile(ctx context.Context, repoID, localPath, pathInRepo string) error {
	key, err := destination.ObjectKey("", repoID, pathInRepo)
	if err != nil {
		return err
	}
	target := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create target directory")
	}

	src, err := os.Open(localPath) //nolint:gosec // G304: path comes from the scheduler's temp dir
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open source file")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := copyFile(ctx, tmp, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close temporary file")
	}

	if err := os.Link(tmpName, target); err != nil {
		if os.IsExist(err) {
			return destination.Conflict(repoID, pathInRepo, err)
		}
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to publish file")
	}

	d.logger.Debug("file stored", zap.String("repo", repoID), zap.String("path", key))
	return nil
}

// Close is a no-op
func (d *Destination) Close() error {
	return nil
}

func copyFile(ctx context.Context, dst *os.File, src io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to copy file")
	}
	if err := dst.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to sync file")
	}
	return nil
}
