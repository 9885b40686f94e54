package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/hubsync/pkg/compression"
	"github.com/ajitpratap0/hubsync/pkg/config"
)

func parseFlags(t *testing.T, args ...string) *config.Config {
	t.Helper()
	v := newViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse(args))

	cfg, err := resolveConfig(v)
	require.NoError(t, err)
	return cfg
}

func TestResolveConfig_Layers(t *testing.T) {
	doc := `
scheduler:
  repo_id: org/from-file
  every: 10m
destination:
  type: local
  root: /tmp/from-file
`
	p := filepath.Join(t.TempDir(), "hubsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))

	t.Setenv("HUBSYNC_PATH_IN_REPO", "from-env")
	t.Setenv("HF_TOKEN", "hf_env")

	cfg := parseFlags(t, "--config", p, "--every", "30s")

	assert.Equal(t, "org/from-file", cfg.Scheduler.RepoID)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Every, "flag wins over file")
	assert.Equal(t, "from-env", cfg.Scheduler.PathInRepo)
	assert.Equal(t, "hf_env", cfg.Scheduler.Token)
	assert.Equal(t, "hf_env", cfg.Destination.Token)
	assert.Equal(t, "/tmp/from-file", cfg.Destination.Root)
}

func TestResolveConfig_RequiresRepoID(t *testing.T) {
	v := newViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse(nil))

	_, err := resolveConfig(v)
	assert.Error(t, err)
}

func TestRunAndInspect(t *testing.T) {
	root := t.TempDir()
	cfg := parseFlags(t,
		"--repo-id", "org/prefs",
		"--destination", "local",
		"--root", root,
		"--every", "1h",
		"--log-level", "error")

	input := filepath.Join(t.TempDir(), "pairs.jsonl.zst")
	f, err := os.Create(input)
	require.NoError(t, err)
	w, err := compression.NewWriter(f, compression.Zstd, compression.Default)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = w.Write([]byte(`{"system": "s", "question": "q", "chosen": "c", "rejected": ["r"]}` + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	var out bytes.Buffer
	err = runScheduler(context.Background(), cfg, runOptions{
		Input:           input,
		Kind:            "dpo",
		ShutdownTimeout: time.Minute,
	}, strings.NewReader(""), &out)
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, gojson.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, int64(3), summary.Input.Appended)
	assert.Equal(t, int64(3), summary.Scheduler.Uploaded)
	assert.Equal(t, int64(1), summary.Scheduler.Files)

	files, err := filepath.Glob(filepath.Join(root, "org", "prefs", "data", "*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	out.Reset()
	require.NoError(t, inspectFile(context.Background(), files[0], inspectOptions{}, &out))
	var fs fileSummary
	require.NoError(t, gojson.Unmarshal(out.Bytes(), &fs))
	assert.Equal(t, int64(3), fs.Rows)
	require.NotNil(t, fs.Features)
	assert.Equal(t, []string{"system", "question", "chosen", "rejected", "source"}, fs.Features.Keys())
	assert.Contains(t, fs.MetadataKeys, "huggingface")

	dump := filepath.Join(t.TempDir(), "rows.jsonl.gz")
	require.NoError(t, inspectFile(context.Background(), files[0], inspectOptions{Rows: true, Output: dump}, &out))

	df, err := os.Open(dump)
	require.NoError(t, err)
	defer df.Close()
	r, err := compression.NewReader(df, compression.Gzip)
	require.NoError(t, err)
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], `{"system":"s","question":"q","chosen":"c","rejected":"[\"r\"]","source":"dpo"}`), lines[0])
}

func TestRootCommandListsDestinations(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"destinations"})
	require.NoError(t, cmd.Execute())

	for _, name := range []string{"gcs", "hub", "local", "minio", "s3"} {
		assert.Contains(t, out.String(), "  - "+name+"\n")
	}
}
