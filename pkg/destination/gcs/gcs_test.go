package gcs

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), &destination.Config{Type: "gcs"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want errors.ErrorType
	}{
		{http.StatusForbidden, errors.ErrorTypeAuthentication},
		{http.StatusTooManyRequests, errors.ErrorTypeRateLimit},
		{http.StatusBadGateway, errors.ErrorTypeConnection},
		{http.StatusBadRequest, errors.ErrorTypeConfig},
	}
	for _, tt := range tests {
		err := classify(&googleapi.Error{Code: tt.code}, "op")
		assert.True(t, errors.IsType(err, tt.want), "code %d", tt.code)
	}
}

// TestGCS_Integration runs against a fake-gcs-server or real bucket named by
// HUBSYNC_GCS_TEST_BUCKET. Skip if not available.
func TestGCS_Integration(t *testing.T) {
	bucket := os.Getenv("HUBSYNC_GCS_TEST_BUCKET")
	if bucket == "" {
		t.Skip("HUBSYNC_GCS_TEST_BUCKET not set")
	}

	ctx := context.Background()
	d, err := New(ctx, &destination.Config{
		Type:      "gcs",
		Bucket:    bucket,
		Endpoint:  os.Getenv("HUBSYNC_GCS_TEST_ENDPOINT"),
		ProjectID: os.Getenv("HUBSYNC_GCS_TEST_PROJECT"),
		Prefix:    "hubsync-test",
	})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.EnsureRepo(ctx, "org/data", true))

	src := filepath.Join(t.TempDir(), "f.parquet")
	require.NoError(t, os.WriteFile(src, []byte("PAR1"), 0o600))
	name := "data/" + filepath.Base(t.TempDir()) + ".parquet"
	require.NoError(t, d.UploadFile(ctx, "org/data", src, name))

	err = d.UploadFile(ctx, "org/data", src, name)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}
