package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("123.wav"))
	for _, key := range []string{"", ".", "../etc/passwd", "a/b.wav", `a\b.wav`, "..wav"} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, key)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "audio"))
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "1.wav")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = store.Open(ctx, "1.wav")
	assert.ErrorIs(t, err, ErrNotFound)

	payload := bytes.Repeat([]byte("RIFF"), 4096)
	n, err := store.Put(ctx, "1.wav", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	rc, size, err := store.Open(ctx, "1.wav")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len(payload)), size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Put(ctx, "../escape.wav", bytes.NewReader(payload))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := len(p)
	if n > r.after {
		n = r.after
	}
	r.after -= n
	return n, nil
}

func TestLocalStoreFailedPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "2.wav", &failingReader{after: 1024})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	exists, err := store.Exists(ctx, "2.wav")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Put(canceled, "3.wav", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMinioStoreExistsMissingObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewMinioStore(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "audio",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	exists, err := store.Exists(context.Background(), "4.wav")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Exists(context.Background(), "../4.wav")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestMinioStoreBoundsUploadPartSize(t *testing.T) {
	cases := []struct {
		name       string
		configured uint64
		want       uint64
	}{
		{"default", 0, DefaultPartSize},
		{"raised to minimum", 1 << 20, MinPartSize},
		{"configured", 32 << 20, 32 << 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewMinioStore(MinioConfig{
				Endpoint: "localhost:9000",
				Bucket:   "audio",
				PartSize: tc.configured,
			})
			require.NoError(t, err)

			opts := store.putOptions()
			assert.Equal(t, tc.want, opts.PartSize)
			assert.Equal(t, audioContentType, opts.ContentType)

			// Unknown-length uploads buffer one part at a time.
			_, partSize, _, err := minio.OptimalPartInfo(-1, opts.PartSize)
			require.NoError(t, err)
			assert.EqualValues(t, tc.want, partSize)
		})
	}
}
