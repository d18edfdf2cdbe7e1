package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/heic2png/internal/config"
)

// fakeS3 understands path-style PutObject and GetObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.objects[key] = b
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		b, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(config.S3Settings{
		Bucket:       "images",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "key",
		SecretKey:    "secret",
		UsePathStyle: true,
		Prefix:       "converted/",
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Store_SaveAndOpen(t *testing.T) {
	s, fake := newTestS3Store(t)
	ctx := context.Background()

	ref, err := s.Save(ctx, "job1", ".png", "image/png", [][]byte{[]byte("first"), []byte("second")})
	require.NoError(t, err)
	assert.Equal(t, "s3://images/converted/results/job1/0.png", ref)

	fake.mu.Lock()
	assert.Equal(t, []byte("second"), fake.objects["images/converted/results/job1/1.png"])
	assert.Equal(t, "image/png", fake.types["images/converted/results/job1/0.png"])
	fake.mu.Unlock()

	rc, size, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b))
	assert.Equal(t, int64(5), size)
}

func TestS3Store_OpenMissing(t *testing.T) {
	s, _ := newTestS3Store(t)
	_, _, err := s.Open(context.Background(), "s3://images/converted/results/nope/0.png")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestS3Store_OpenRejectsForeignRefs(t *testing.T) {
	s, _ := newTestS3Store(t)
	for _, ref := range []string{"", "/tmp/0.png", "s3://other/results/x/0.png", "s3://images"} {
		_, _, err := s.Open(context.Background(), ref)
		assert.ErrorIs(t, err, ErrArtifactNotFound, ref)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(config.S3Settings{Region: "us-east-1"})
	assert.Error(t, err)
}
