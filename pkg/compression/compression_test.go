package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreams(t *testing.T) {
	original := []byte(strings.Repeat(`{"system":"be brief","question":"why?","chosen":"because"}`+"\n", 200))

	for _, algo := range Algorithms() {
		t.Run(string(algo), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, algo, Default)
			require.NoError(t, err)
			_, err = w.Write(original)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if algo != None {
				assert.Less(t, buf.Len(), len(original))
			}

			r, err := NewReader(&buf, algo)
			require.NoError(t, err)
			defer r.Close()

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, original, got)
		})
	}
}

func TestS2ReadsSnappy(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Snappy, Default)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello snappy"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf, S2)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello snappy", string(got))
}

func TestDetect(t *testing.T) {
	tests := map[string]Algorithm{
		"records.jsonl":      None,
		"records.jsonl.gz":   Gzip,
		"records.jsonl.ZST":  Zstd,
		"records.jsonl.lz4":  LZ4,
		"records.jsonl.sz":   Snappy,
		"dir.gz/records.txt": None,
	}
	for path, want := range tests {
		assert.Equal(t, want, Detect(path), path)
	}
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	a, err = ParseAlgorithm("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	a, err = ParseAlgorithm("gz")
	require.NoError(t, err)
	assert.Equal(t, Gzip, a)

	_, err = ParseAlgorithm("rar")
	assert.Error(t, err)
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader(strings.NewReader("not gzip"), Gzip)
	assert.Error(t, err)
}
