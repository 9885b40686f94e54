package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/formats/columnar"
	"github.com/ajitpratap0/hubsync/pkg/models"
	"github.com/ajitpratap0/hubsync/pkg/retry"
	"github.com/ajitpratap0/hubsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDest keeps uploaded files in memory. fail, when set, decides the
// outcome of each attempt before the file is stored.
type memDest struct {
	mu      sync.Mutex
	files   map[string][]byte
	order   []string
	ensured []bool
	calls   int
	fail    func(call int) error
	// storeOnFail stores the file even when fail returns an error
	storeOnFail bool
}

func newMemDest() *memDest {
	return &memDest{files: make(map[string][]byte)}
}

func (d *memDest) EnsureRepo(_ context.Context, _ string, private bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensured = append(d.ensured, private)
	return nil
}

func (d *memDest) UploadFile(_ context.Context, repoID, localPath, pathInRepo string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	key := repoID + "/" + pathInRepo
	if _, exists := d.files[key]; exists {
		return destination.Conflict(repoID, pathInRepo, nil)
	}

	var err error
	if d.fail != nil {
		err = d.fail(d.calls)
	}
	if err != nil && !d.storeOnFail {
		return err
	}

	data, readErr := os.ReadFile(localPath)
	if readErr != nil {
		return readErr
	}
	d.files[key] = data
	d.order = append(d.order, key)
	return err
}

func (d *memDest) Close() error { return nil }

func (d *memDest) setFail(fn func(call int) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fn
}

func (d *memDest) fileCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// read decodes the uploaded file at index i
func (d *memDest) read(t *testing.T, i int) (string, []*models.Record, *columnar.Reader) {
	t.Helper()
	d.mu.Lock()
	key := d.order[i]
	data := d.files[key]
	d.mu.Unlock()

	r, err := columnar.NewReader(bytes.NewReader(data), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	records, err := r.ReadRecords(context.Background())
	require.NoError(t, err)
	return key, records, r
}

func testConfig(t *testing.T) *Config {
	return &Config{
		RepoID:  "org/chat",
		Every:   time.Hour,
		TempDir: t.TempDir(),
		Retry:   retry.NoRetry(),
	}
}

func newTestScheduler(t *testing.T, cfg *Config, dest destination.Destination) *ParquetScheduler {
	t.Helper()
	s, err := New(context.Background(), cfg, dest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_EnsuresRepo(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	cfg.Private = true
	newTestScheduler(t, cfg, dest)
	assert.Equal(t, []bool{true}, dest.ensured)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"repo id", func(c *Config) { c.RepoID = "" }},
		{"nested repo id", func(c *Config) { c.RepoID = "a/b/c" }},
		{"negative every", func(c *Config) { c.Every = -time.Second }},
		{"absolute path in repo", func(c *Config) { c.PathInRepo = "/data" }},
		{"allow pattern", func(c *Config) { c.AllowPatterns = []string{"["} }},
		{"ignore pattern", func(c *Config) { c.IgnorePatterns = []string{"data/[a-"} }},
		{"compression", func(c *Config) { c.Compression = "lzma" }},
		{"retry", func(c *Config) { c.Retry.RandomizeFactor = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, newMemDest())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}

	_, err := New(context.Background(), testConfig(t), nil)
	assert.Error(t, err)
}

func TestAppend_InvalidRecord(t *testing.T) {
	s := newTestScheduler(t, testConfig(t), newMemDest())

	err := s.Append(nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidRecord))

	err = s.Append(models.NewRecord().Set("", 1))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidRecord))

	err = s.Append(models.NewRecord().Set("fn", func() {}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidRecord))

	assert.Equal(t, 0, s.Pending())
}

func TestFlush_EmptyBatch(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	s := newTestScheduler(t, cfg, dest)

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.PathInRepo)
	assert.Equal(t, 0, dest.calls)
	assertDirEmpty(t, cfg.TempDir)
}

func TestFlush_Rectangularizes(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"b": 2}))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 2, res.Columns)
	assert.True(t, strings.HasPrefix(res.PathInRepo, "data/"))
	assert.True(t, strings.HasSuffix(res.PathInRepo, ".parquet"))

	key, records, r := dest.read(t, 0)
	assert.Equal(t, "org/chat/"+res.PathInRepo, key)
	require.Len(t, records, 2)
	assert.Equal(t, map[string]interface{}{"a": int64(1), "b": nil}, records[0].ToMap())
	assert.Equal(t, map[string]interface{}{"a": nil, "b": int64(2)}, records[1].ToMap())

	md, ok := r.Metadata()[schema.MetadataKey]
	require.True(t, ok)
	assert.JSONEq(t, `{"info":{"features":{"a":{"_type":"Value","dtype":"int64"},"b":{"_type":"Value","dtype":"int64"}}}}`, md)

	assert.Equal(t, 0, s.Pending())
	assertDirEmpty(t, cfg.TempDir)
}

func TestFlush_FirstSeenTypeWins(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"a": "x"}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"a": "7"}))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CoercionFailures)

	_, records, _ := dest.read(t, 0)
	require.Len(t, records, 3)
	v0, _ := records[0].Get("a")
	v1, _ := records[1].Get("a")
	v2, _ := records[2].Get("a")
	assert.Equal(t, int64(1), v0)
	assert.Nil(t, v1)
	assert.Equal(t, int64(7), v2)

	f, _ := s.Schema().Get("a")
	assert.Equal(t, schema.ValueOf(schema.Int64), f)
}

func TestFlush_BoolIsNotInt(t *testing.T) {
	s := newTestScheduler(t, testConfig(t), newMemDest())
	require.NoError(t, s.AppendMap(map[string]interface{}{"flag": true, "count": 2}))
	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	flag, _ := s.Schema().Get("flag")
	count, _ := s.Schema().Get("count")
	assert.Equal(t, schema.ValueOf(schema.Bool), flag)
	assert.Equal(t, schema.ValueOf(schema.Int64), count)
}

func TestFlush_SchemaOverrideWins(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	cfg.Schema = schema.New()
	cfg.Schema.Set("a", schema.ValueOf(schema.String))
	cfg.Schema.Set("unused", schema.ValueOf(schema.Float64))
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1, "b": 2.5}))
	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	_, records, r := dest.read(t, 0)
	assert.Equal(t, []string{"a", "unused", "b"}, r.Schema().Keys())
	assert.Equal(t, map[string]interface{}{"a": "1", "unused": nil, "b": 2.5}, records[0].ToMap())
}

func TestFlush_EmbedsAssetsAndDeletesAfterUpload(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	assets := t.TempDir()
	img := filepath.Join(assets, "cat.png")
	require.NoError(t, os.WriteFile(img, []byte("png-bytes"), 0o600))
	missing := filepath.Join(assets, "gone.wav")

	require.NoError(t, s.Append(models.NewRecord().
		Set("prompt", "a cat").
		Set("image", img).
		Set("audio", models.AssetPath(missing))))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.AssetsEmbedded)
	assert.Equal(t, 1, res.AssetsMissing)

	_, records, r := dest.read(t, 0)
	image, _ := records[0].Get("image")
	audio, _ := records[0].Get("audio")
	assert.Equal(t, schema.Asset{Path: "cat.png", Bytes: []byte("png-bytes")}, image)
	assert.Equal(t, schema.Asset{Path: missing}, audio)

	f, _ := r.Schema().Get("image")
	assert.Equal(t, schema.Image, f.Type)

	assert.NoFileExists(t, img)
}

func TestFlush_FailureRequeuesAndKeepsAssets(t *testing.T) {
	dest := newMemDest()
	dest.setFail(func(int) error {
		return errors.New(errors.ErrorTypeAuthentication, "bad token")
	})
	cfg := testConfig(t)
	s := newTestScheduler(t, cfg, dest)

	img := filepath.Join(t.TempDir(), "dog.png")
	require.NoError(t, os.WriteFile(img, []byte("woof"), 0o600))
	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 1, "image": img}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 2}))

	_, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUpload))
	assert.Equal(t, 2, s.Pending())
	assert.FileExists(t, img)
	assertDirEmpty(t, cfg.TempDir)
	assert.Equal(t, int64(1), s.Stats().FailedFlushes)
	assert.NotEmpty(t, s.Stats().LastError)

	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 3}))
	dest.setFail(nil)

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)

	_, records, _ := dest.read(t, 0)
	var ids []interface{}
	for _, rec := range records {
		v, _ := rec.Get("id")
		ids = append(ids, v)
	}
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, ids)
	assert.NoFileExists(t, img)
}

func TestFlush_RetriesTransientErrors(t *testing.T) {
	dest := newMemDest()
	dest.setFail(func(call int) error {
		if call == 1 {
			return errors.New(errors.ErrorTypeConnection, "reset")
		}
		return nil
	})
	cfg := testConfig(t)
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, dest.fileCount())
}

func TestFlush_ConflictAfterLandedAttempt(t *testing.T) {
	dest := newMemDest()
	dest.storeOnFail = true
	dest.setFail(func(call int) error {
		if call == 1 {
			return errors.New(errors.ErrorTypeTimeout, "response lost")
		}
		return nil
	})
	cfg := testConfig(t)
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, dest.fileCount())
	assert.Equal(t, 0, s.Pending())
}

func TestFlush_DistinctNames(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendMap(map[string]interface{}{"i": i}))
		res, err := s.Flush(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[res.PathInRepo])
		seen[res.PathInRepo] = true
	}
	assert.Equal(t, 3, dest.fileCount())
	assert.Equal(t, int64(3), s.Stats().Files)
}

func TestFlush_SchemaVersions(t *testing.T) {
	s := newTestScheduler(t, testConfig(t), newMemDest())

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SchemaVersion)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 2}))
	res, err = s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SchemaVersion)

	require.NoError(t, s.AppendMap(map[string]interface{}{"b": "x"}))
	res, err = s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.SchemaVersion)

	history, err := s.Registry().GetSchemaHistory("org/chat")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentAppendDuringFlush(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.AppendMap(map[string]interface{}{"id": fmt.Sprintf("%d-%d", w, i)}))
			}
		}(w)
	}

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for i := 0; i < 10; i++ {
			_, err := s.Flush(context.Background())
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
	<-flushDone
	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < dest.fileCount(); i++ {
		_, records, _ := dest.read(t, i)
		for _, rec := range records {
			v, _ := rec.Get("id")
			seen[v.(string)]++
		}
	}
	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, int64(writers*perWriter), s.Stats().Uploaded)
}

func TestTickerFlushes(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	cfg.Every = 10 * time.Millisecond
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	require.Eventually(t, func() bool { return dest.fileCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestStop_FinalFlush(t *testing.T) {
	dest := newMemDest()
	s, err := New(context.Background(), testConfig(t), dest)
	require.NoError(t, err)

	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, dest.fileCount())

	err = s.AppendMap(map[string]interface{}{"a": 2})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStop_SpoolsAndNextStartDrains(t *testing.T) {
	spool := t.TempDir()
	failing := newMemDest()
	failing.setFail(func(int) error { return errors.New(errors.ErrorTypeConnection, "offline") })

	cfg := testConfig(t)
	cfg.SpoolDir = spool
	s, err := New(context.Background(), cfg, failing)
	require.NoError(t, err)
	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 1}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"a": 2}))

	err = s.Stop(context.Background())
	require.Error(t, err)
	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	spooled := entries[0].Name()

	dest := newMemDest()
	next := newTestScheduler(t, cfg, dest)
	require.Equal(t, 1, dest.fileCount())
	key, records, _ := dest.read(t, 0)
	assert.Equal(t, "org/chat/data/"+spooled, key)
	assert.Len(t, records, 2)
	assertDirEmpty(t, spool)
	assert.True(t, next.Schema().Has("a"))
	assert.Equal(t, int64(2), next.Stats().Uploaded)
}

// panicky fails when formatted
type panicky struct{}

func (panicky) String() string { panic("boom") }

func TestFlush_TypedNilStringerIsNull(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	require.NoError(t, s.Append(models.NewRecord().Set("id", 1).Set("link", (*url.URL)(nil))))
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.CoercionFailures)
	assert.Equal(t, 0, s.Pending())

	_, records, _ := dest.read(t, 0)
	require.Len(t, records, 1)
	assert.Equal(t, map[string]interface{}{"id": int64(1), "link": nil}, records[0].ToMap())

	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 2, "link": "ok"}))
	_, err = s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Stats().Files)
	assert.Equal(t, 0, s.Pending())
}

func TestFlush_PanickingValueIsNull(t *testing.T) {
	dest := newMemDest()
	s := newTestScheduler(t, testConfig(t), dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 1, "note": "fine"}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 2, "note": panicky{}}))

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CoercionFailures)
	assert.Equal(t, 0, s.Pending())

	_, records, _ := dest.read(t, 0)
	require.Len(t, records, 2)
	v0, _ := records[0].Get("note")
	v1, _ := records[1].Get("note")
	assert.Equal(t, "fine", v0)
	assert.Nil(t, v1)
}

func TestFlush_EncodeFailureRejectsBatch(t *testing.T) {
	dest := newMemDest()
	cfg := testConfig(t)
	cfg.TempDir = filepath.Join(t.TempDir(), "missing")
	cfg.SpoolDir = t.TempDir()
	s := newTestScheduler(t, cfg, dest)

	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 1}))
	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 2}))

	_, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, dest.fileCount())

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, int64(1), stats.FailedFlushes)

	matches, err := filepath.Glob(filepath.Join(cfg.SpoolDir, rejectedPrefix+"*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":1}`, lines[0])
	assert.JSONEq(t, `{"id":2}`, lines[1])

	// the next flush is not blocked by the rejected batch
	_, err = s.Flush(context.Background())
	require.NoError(t, err)
}

func TestFlush_EncodeFailureWithoutSpoolDrops(t *testing.T) {
	cfg := testConfig(t)
	cfg.TempDir = filepath.Join(t.TempDir(), "missing")
	s := newTestScheduler(t, cfg, newMemDest())

	require.NoError(t, s.AppendMap(map[string]interface{}{"id": 1}))
	_, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int64(1), s.Stats().Rejected)
}
