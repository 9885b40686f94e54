package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("HUBSYNC_TEST_A", "alpha")
	t.Setenv("HUBSYNC_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${HUBSYNC_TEST_A}", "alpha"},
		{"x-${HUBSYNC_TEST_A}-${HUBSYNC_TEST_A}", "x-alpha-alpha"},
		{"${HUBSYNC_TEST_UNSET}", ""},
		{"${HUBSYNC_TEST_UNSET:-fallback}", "fallback"},
		{"${HUBSYNC_TEST_EMPTY:-fallback}", "fallback"},
		{"${HUBSYNC_TEST_A:-fallback}", "alpha"},
		{"open ${ never closed", "open ${ never closed"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.in))
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("HUBSYNC_TEST_TOKEN", "hf_abc")
	doc := `
scheduler:
  repo_id: org/chat
  every: 2m
  path_in_repo: conversations
  private: true
  token: ${HUBSYNC_TEST_TOKEN}
  schema:
    prompt:
      _type: Value
      dtype: string
    image:
      _type: Image
  retry:
    max_attempts: 5
    initial_delay: 2s
destination:
  type: s3
  bucket: datasets
  region: eu-west-1
metrics:
  enabled: true
logging:
  level: debug
  encoding: console
`
	p := filepath.Join(t.TempDir(), "hubsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))

	cfg, err := LoadFile(p)
	require.NoError(t, err)

	assert.Equal(t, "org/chat", cfg.Scheduler.RepoID)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Every)
	assert.Equal(t, "conversations", cfg.Scheduler.PathInRepo)
	assert.True(t, cfg.Scheduler.Private)
	assert.Equal(t, 5, cfg.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Retry.InitialDelay)
	require.NotNil(t, cfg.Scheduler.Schema)
	assert.Equal(t, []string{"prompt", "image"}, cfg.Scheduler.Schema.Keys())
	f, _ := cfg.Scheduler.Schema.Get("image")
	assert.Equal(t, schema.Image, f.Type)

	assert.Equal(t, "s3", cfg.Destination.Type)
	assert.Equal(t, "hf_abc", cfg.Destination.Token)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.UploadTimeout)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler: [1, 2"), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	noRepo := filepath.Join(dir, "norepo.yaml")
	require.NoError(t, os.WriteFile(noRepo, []byte("destination:\n  type: local\n"), 0o600))
	_, err = LoadFile(noRepo)
	assert.Error(t, err)

	badSchema := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(badSchema, []byte("scheduler:\n  repo_id: a\n  schema:\n    x:\n      _type: Video\n"), 0o600))
	_, err = LoadFile(badSchema)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Scheduler.RepoID = "org/chat"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"destination type", func(c *Config) { c.Destination.Type = "" }},
		{"log encoding", func(c *Config) { c.Logging.Encoding = "xml" }},
		{"metrics listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }},
		{"tracing exporter", func(c *Config) { c.Tracing.ExporterType = "jaeger" }},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyDefaults_SharesDestinationSettings(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Token = "hf_secret"
	cfg.Scheduler.Revision = "main"
	cfg.ApplyDefaults()
	assert.Equal(t, "hf_secret", cfg.Destination.Token)
	assert.Equal(t, "main", cfg.Destination.Revision)

	cfg = Default()
	cfg.Scheduler.Token = "hf_scheduler"
	cfg.Destination.Token = "hf_destination"
	cfg.Destination.Revision = "dev"
	cfg.Scheduler.Revision = "main"
	cfg.ApplyDefaults()
	assert.Equal(t, "hf_destination", cfg.Destination.Token)
	assert.Equal(t, "dev", cfg.Destination.Revision)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.RepoID = "org/chat"
	cfg.Scheduler.Schema = schema.New()
	cfg.Scheduler.Schema.Set("b", schema.ValueOf(schema.Int64))
	cfg.Scheduler.Schema.Set("a", schema.ValueOf(schema.String))

	p := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(p, cfg))

	loaded, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, cfg.Scheduler.RepoID, loaded.Scheduler.RepoID)
	assert.Equal(t, cfg.Scheduler.Every, loaded.Scheduler.Every)
	assert.Equal(t, []string{"b", "a"}, loaded.Scheduler.Schema.Keys())
}
