package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements the handful of path-style S3 calls the destination makes
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]int
	headers map[string]http.Header
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets: make(map[string]bool),
		objects: make(map[string]int),
		headers: make(map[string]http.Header),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, _ = io.Copy(io.Discard, r.Body)
	path := r.URL.Path[1:]
	bucket, key := path, ""
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			bucket, key = path[:i], path[i+1:]
			break
		}
	}

	switch {
	case r.Method == http.MethodHead && key == "":
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && key == "":
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if r.Header.Get("If-None-Match") == "*" && f.objects[path] > 0 {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
			return
		}
		f.objects[path]++
		f.headers[path] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestDestination(t *testing.T, fake *fakeS3) *Destination {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	d, err := New(context.Background(), &destination.Config{
		Type:            "s3",
		Bucket:          "datasets",
		Prefix:          "hub",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	return d
}

func TestEnsureRepo_CreatesBucket(t *testing.T) {
	fake := newFakeS3()
	d := newTestDestination(t, fake)

	require.NoError(t, d.EnsureRepo(context.Background(), "org/data", true))
	assert.True(t, fake.buckets["datasets"])
	require.NoError(t, d.EnsureRepo(context.Background(), "org/data", true))
}

func TestUploadFile(t *testing.T) {
	fake := newFakeS3()
	fake.buckets["datasets"] = true
	d := newTestDestination(t, fake)

	src := filepath.Join(t.TempDir(), "f.parquet")
	require.NoError(t, os.WriteFile(src, []byte("PAR1...PAR1"), 0o600))

	require.NoError(t, d.UploadFile(context.Background(), "org/data", src, "data/a.parquet"))
	assert.Equal(t, 1, fake.objects["datasets/hub/org/data/data/a.parquet"])
	assert.Equal(t, "*", fake.headers["datasets/hub/org/data/data/a.parquet"].Get("If-None-Match"))

	err := d.UploadFile(context.Background(), "org/data", src, "data/a.parquet")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Equal(t, 1, fake.objects["datasets/hub/org/data/data/a.parquet"])
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), &destination.Config{Type: "s3"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
