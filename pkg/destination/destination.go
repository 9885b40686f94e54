// Package destination defines where flushed Parquet files are stored.
//
// A Destination stores a local file at a path inside a repository and never
// replaces an existing file. Adapters register a Factory under a name in
// their init function; import package all to register every adapter.
package destination

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"go.uber.org/zap"
)

// Destination stores uploaded files
type Destination interface {
	// UploadFile stores the file at localPath under pathInRepo in repoID.
	// An existing file at that path is an ErrorTypeConflict error.
	UploadFile(ctx context.Context, repoID, localPath, pathInRepo string) error
	// EnsureRepo creates the repository when it does not exist
	EnsureRepo(ctx context.Context, repoID string, private bool) error
	// Close releases clients
	Close() error
}

// Config configures a destination adapter. Each adapter reads the fields it
// needs and ignores the rest.
type Config struct {
	Type string `yaml:"type" json:"type"`

	// local
	Root string `yaml:"root" json:"root"`

	// object stores (s3, gcs, minio)
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	UseSSL          bool   `yaml:"use_ssl" json:"use_ssl"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	ProjectID       string `yaml:"project_id" json:"project_id"`
	PartSize        int64  `yaml:"part_size" json:"part_size"`
	Concurrency     int    `yaml:"concurrency" json:"concurrency"`

	// hub
	Token            string        `yaml:"token" json:"-"`
	RepoType         string        `yaml:"repo_type" json:"repo_type"`
	Revision         string        `yaml:"revision" json:"revision"`
	CommitsPerMinute float64       `yaml:"commits_per_minute" json:"commits_per_minute"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Options carries adapter-specific settings
	Options map[string]string `yaml:"options" json:"options"`
}

// Validate checks the fields common to every adapter
func (c *Config) Validate() error {
	if c.Type == "" {
		return errors.New(errors.ErrorTypeConfig, "destination type is required")
	}
	if c.PartSize < 0 {
		return errors.New(errors.ErrorTypeConfig, "part_size cannot be negative")
	}
	if c.Concurrency < 0 {
		return errors.New(errors.ErrorTypeConfig, "concurrency cannot be negative")
	}
	if c.CommitsPerMinute < 0 {
		return errors.New(errors.ErrorTypeConfig, "commits_per_minute cannot be negative")
	}
	return nil
}

// Factory creates a destination from its configuration
type Factory func(ctx context.Context, cfg *Config) (Destination, error)

// Registry maps adapter names to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// log resolves the global logger on each use; the global registry is built
// before main installs its logger
func (r *Registry) log() *zap.Logger {
	return logger.With(zap.String("component", "destination_registry"))
}

// Register adds a factory under name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "destination %s already registered", name)
	}
	r.factories[name] = factory
	r.log().Debug("destination registered", zap.String("name", name))
	return nil
}

// New creates the destination named by cfg.Type
func (r *Registry) New(ctx context.Context, cfg *Config) (Destination, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "destination config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "destination %s not found", cfg.Type)
	}

	dest, err := factory(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create destination %s", cfg.Type))
	}
	r.log().Debug("destination created", zap.String("type", cfg.Type))
	return dest, nil
}

// List returns the registered names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a factory to the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// New creates a destination from the global registry
func New(ctx context.Context, cfg *Config) (Destination, error) {
	return globalRegistry.New(ctx, cfg)
}

// List returns the names in the global registry
func List() []string {
	return globalRegistry.List()
}

// ObjectKey joins the location of a repository file inside a bucket:
// <prefix>/<repoID>/<pathInRepo>
func ObjectKey(prefix, repoID, pathInRepo string) (string, error) {
	if err := ValidateRepoID(repoID); err != nil {
		return "", err
	}
	clean, err := CleanPathInRepo(pathInRepo)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(path.Join(prefix, repoID, clean), "/"), nil
}

// ValidateRepoID accepts "name" and "namespace/name"
func ValidateRepoID(repoID string) error {
	parts := strings.Split(repoID, "/")
	if repoID == "" || len(parts) > 2 {
		return errors.Newf(errors.ErrorTypeConfig, "invalid repo id %q", repoID)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return errors.Newf(errors.ErrorTypeConfig, "invalid repo id %q", repoID)
		}
	}
	return nil
}

// CleanPathInRepo normalizes a relative path and rejects paths that escape
// the repository
func CleanPathInRepo(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", errors.Newf(errors.ErrorTypeConfig, "invalid path in repo %q", p)
	}
	if strings.HasPrefix(p, "/") {
		return "", errors.Newf(errors.ErrorTypeConfig, "path in repo must be relative: %q", p)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return "", errors.Newf(errors.ErrorTypeConfig, "path in repo must be relative: %q", p)
		}
	}
	return clean, nil
}

// Conflict returns the error reported when pathInRepo already exists
func Conflict(repoID, pathInRepo string, cause error) error {
	msg := fmt.Sprintf("%s already exists in %s", pathInRepo, repoID)
	if cause == nil {
		return errors.New(errors.ErrorTypeConflict, msg)
	}
	return errors.Wrap(cause, errors.ErrorTypeConflict, msg)
}
