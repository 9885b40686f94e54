package scheduler

import (
	"path"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/formats/columnar"
	"github.com/ajitpratap0/hubsync/pkg/retry"
	"github.com/ajitpratap0/hubsync/pkg/schema"
)

// Defaults
const (
	DefaultEvery         = 60 * time.Second
	DefaultPathInRepo    = "data"
	DefaultUploadTimeout = 5 * time.Minute
)

// Config configures a ParquetScheduler
type Config struct {
	// RepoID is "name" or "namespace/name"
	RepoID string `yaml:"repo_id" json:"repo_id"`
	// Every is the flush interval
	Every time.Duration `yaml:"every" json:"every"`
	// PathInRepo is the directory files are uploaded to
	PathInRepo string `yaml:"path_in_repo" json:"path_in_repo"`
	// Schema seeds the column schema; inferred columns are appended after it
	Schema *schema.Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	// Private is applied when the repository is created
	Private bool `yaml:"private" json:"private"`
	// Token and Revision belong to the destination and New ignores both.
	// The root configuration copies them into destination.Config when the
	// destination section leaves them empty.
	Token string `yaml:"token" json:"-"`

	// AllowPatterns and IgnorePatterns are glob filters kept for
	// compatibility with folder-based schedulers. They are validated and
	// otherwise unused: every flush writes exactly one generated file.
	AllowPatterns  []string `yaml:"allow_patterns" json:"allow_patterns"`
	IgnorePatterns []string `yaml:"ignore_patterns" json:"ignore_patterns"`

	Revision string `yaml:"revision" json:"revision"`

	UploadTimeout time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
	Compression   string        `yaml:"compression" json:"compression"`
	RowGroupSize  int64         `yaml:"row_group_size" json:"row_group_size"`
	Retry         retry.Policy  `yaml:"retry" json:"retry"`

	// SpoolDir keeps files whose final upload failed during Stop. Empty
	// disables spooling.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`
	// TempDir holds Parquet files during upload. Empty uses os.TempDir.
	TempDir string `yaml:"temp_dir" json:"temp_dir"`
}

// DefaultConfig returns a configuration with defaults for everything but
// RepoID
func DefaultConfig() *Config {
	return &Config{
		Every:         DefaultEvery,
		PathInRepo:    DefaultPathInRepo,
		UploadTimeout: DefaultUploadTimeout,
		Compression:   columnar.DefaultWriterConfig().Compression,
		RowGroupSize:  columnar.DefaultWriterConfig().RowGroupSize,
		Retry:         retry.DefaultPolicy(),
	}
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Every == 0 {
		c.Every = d.Every
	}
	if c.PathInRepo == "" {
		c.PathInRepo = d.PathInRepo
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = d.UploadTimeout
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.RowGroupSize == 0 {
		c.RowGroupSize = d.RowGroupSize
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = d.Retry
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := destination.ValidateRepoID(c.RepoID); err != nil {
		return err
	}
	if c.Every <= 0 {
		return errors.New(errors.ErrorTypeConfig, "every must be positive")
	}
	if c.UploadTimeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "upload_timeout cannot be negative")
	}
	if _, err := destination.CleanPathInRepo(c.PathInRepo); err != nil {
		return err
	}
	if c.Schema != nil {
		if err := c.Schema.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid schema override")
		}
	}
	for _, p := range append(append([]string{}, c.AllowPatterns...), c.IgnorePatterns...) {
		if _, err := path.Match(p, ""); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid pattern "+p)
		}
	}
	if err := c.writerConfig().Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid parquet settings")
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid retry policy")
	}
	return nil
}

func (c *Config) writerConfig() *columnar.WriterConfig {
	wc := columnar.DefaultWriterConfig()
	wc.Compression = c.Compression
	wc.RowGroupSize = c.RowGroupSize
	return wc
}
