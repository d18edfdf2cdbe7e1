package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/heic2png/internal/common"
	"github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/convert/mock"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/processor"
	"github.com/jo-hoe/heic2png/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	svc     *Service
	handler http.Handler
	dir     string
}

// newTestEnv wires a Service with the in-memory registry, a running queue
// and the mock converter writing to a temp storage dir.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:          0,
			MaxUploadSize: config.ByteSize(10 * 1024 * 1024),
			StorageDir:    dir,
		},
		Conversion: config.ConversionConfig{
			Workers: 2,
			Timeout: 5 * time.Second,
			Mock:    config.MockSettings{Delay: 100 * time.Millisecond, Images: 1},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	artifacts, err := storage.NewLocalStore(dir)
	require.NoError(t, err)
	conv := mock.New(cfg.Conversion.Mock)
	reg := jobs.NewMemoryRegistry()
	queue := jobs.NewQueue(discardLogger(), cfg.Conversion.Workers)
	worker := processor.New(discardLogger(), reg, conv, artifacts, cfg.Conversion.Timeout)
	require.NoError(t, queue.Start(context.Background(), worker))
	t.Cleanup(func() { queue.Shutdown(2 * time.Second) })

	svc := &Service{
		Log:       discardLogger(),
		Cfg:       cfg,
		Registry:  reg,
		Queue:     queue,
		Uploader:  storage.NewUploader(dir),
		Artifacts: artifacts,
		Converter: conv,
	}
	return &testEnv{svc: svc, handler: NewHTTPServer(svc).Handler, dir: dir}
}

func makeMultipart(t *testing.T, fieldName, filename, contentType string, content []byte) (string, *bytes.Buffer) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	fw, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = io.Copy(fw, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.FormDataContentType(), &b
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var body response
	if rec.Header().Get("Content-Type") == common.ContentTypeJSON {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func (e *testEnv) upload(t *testing.T, filename, contentType string, content []byte) (*httptest.ResponseRecorder, response) {
	t.Helper()
	ctype, body := makeMultipart(t, common.FormFieldImage, filename, contentType, content)
	req := httptest.NewRequest(http.MethodPost, common.PathUpload, body)
	req.Header.Set("Content-Type", ctype)
	return e.do(t, req)
}

func (e *testEnv) status(t *testing.T, id string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, common.PathProcessed+"/"+id, nil))
}

func (e *testEnv) waitTerminal(t *testing.T, id string) (int, response) {
	t.Helper()
	var code int
	var body response
	require.Eventually(t, func() bool {
		rec, b := e.status(t, id)
		code, body = rec.Code, b
		return rec.Code != http.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
	return code, body
}

func uploadsLeft(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, common.UploadsDirName))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, common.PathHealthz, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestUpload_PendingThenCompleteThenStableDownload(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, up := env.upload(t, "IMG_0001.HEIC", common.MimeImageHEIC, mock.SampleHEIC())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, up.Success)
	require.Len(t, up.ID, 32)

	rec, st := env.status(t, up.ID)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, st.Success)
	assert.Equal(t, common.StatusPending, st.Status)
	assert.Equal(t, "not processed yet", st.Error)

	code, done := env.waitTerminal(t, up.ID)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, done.Success)
	assert.Equal(t, common.StatusComplete, done.Status)
	assert.Equal(t, common.PathDownload+"/"+up.ID, done.URL)

	var first []byte
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, done.URL, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, common.MimeImagePNG, rec.Header().Get("Content-Type"))
		assert.Equal(t, fmt.Sprint(rec.Body.Len()), rec.Header().Get("Content-Length"))
		assert.Equal(t, `inline; filename="`+up.ID+`.png"`, rec.Header().Get("Content-Disposition"))
		if first == nil {
			first = rec.Body.Bytes()
			_, err := png.Decode(bytes.NewReader(first))
			require.NoError(t, err)
			continue
		}
		assert.Equal(t, first, rec.Body.Bytes(), "artifact must not change between downloads")
	}

	assert.Eventually(t, func() bool { return uploadsLeft(t, env.dir) == 0 }, 2*time.Second, 10*time.Millisecond,
		"upload file removed after conversion")
}

func TestDownload_AcceptsPNGSuffix(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Conversion.Mock.Delay = 0 })
	_, up := env.upload(t, "a.heic", "", mock.SampleHEIC())
	code, _ := env.waitTerminal(t, up.ID)
	require.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, common.PathDownload+"/"+up.ID+".png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.MimeImagePNG, rec.Header().Get("Content-Type"))
}

func TestStatus_URLUsesExternalBaseURL(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Conversion.Mock.Delay = 0
		c.Server.ExternalBaseURL = "https://img.example.com"
	})
	_, up := env.upload(t, "a.heic", "", mock.SampleHEIC())
	code, body := env.waitTerminal(t, up.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://img.example.com/download/"+up.ID, body.URL)
}

func TestUpload_RejectsNonHEIC(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name, filename, contentType string
	}{
		{"jpg extension", "photo.jpg", "image/jpeg"},
		{"no extension", "photo", ""},
		{"heic name with jpeg type", "photo.heic", "image/jpeg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := env.upload(t, tc.filename, tc.contentType, []byte("...."))
			assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
			assert.False(t, body.Success)
			assert.Equal(t, "Please upload a HEIC file.", body.Error)
			assert.Empty(t, body.ID)
		})
	}
	assert.Equal(t, 0, uploadsLeft(t, env.dir))
}

func TestUpload_MissingFile(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("wrong field", func(t *testing.T) {
		ctype, body := makeMultipart(t, "file", "a.heic", "", mock.SampleHEIC())
		req := httptest.NewRequest(http.MethodPost, common.PathUpload, body)
		req.Header.Set("Content-Type", ctype)
		rec, resp := env.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No file uploaded.", resp.Error)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, common.PathUpload, bytes.NewBufferString("hello"))
		req.Header.Set("Content-Type", "text/plain")
		rec, resp := env.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No file uploaded.", resp.Error)
	})
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxUploadSize = 1024 })

	t.Run("file over limit", func(t *testing.T) {
		data := append(mock.SampleHEIC(), bytes.Repeat([]byte{0}, 2048)...)
		rec, body := env.upload(t, "big.heic", "", data)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "File too large.", body.Error)
	})

	t.Run("body over limit", func(t *testing.T) {
		data := bytes.Repeat([]byte{0}, 2<<20)
		rec, body := env.upload(t, "huge.heic", "", data)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "File too large.", body.Error)
	})

	assert.Equal(t, 0, uploadsLeft(t, env.dir))
}

func TestStatus_UnknownAndMalformedIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"0123456789abcdef0123456789abcdef", "not-an-id", "..%2F..%2Fetc"} {
		rec, body := env.status(t, id)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.False(t, body.Success)
		assert.Equal(t, common.StatusNotFound, body.Status)
		assert.Equal(t, "job not found", body.Error)
	}

	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, common.PathDownload+"/0123456789abcdef0123456789abcdef", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Image not found", body.Error)
}

func TestDownload_PendingJobIsNotFound(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Conversion.Mock.Delay = time.Second })
	_, up := env.upload(t, "a.heic", "", mock.SampleHEIC())

	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, common.PathDownload+"/"+up.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Image not found", body.Error)
}

func TestUpload_TwoUploadsResolveIndependently(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Conversion.Mock.Delay = 10 * time.Millisecond })

	_, good := env.upload(t, "good.heic", "", mock.SampleHEIC())
	_, bad := env.upload(t, "bad.heic", "", []byte("definitely not heif"))
	require.NotEqual(t, good.ID, bad.ID)

	code, body := env.waitTerminal(t, good.ID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.StatusComplete, body.Status)

	code, body = env.waitTerminal(t, bad.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.False(t, body.Success)
	assert.Equal(t, common.StatusFailed, body.Status)
	assert.Contains(t, body.Error, "decodable")
}

type refusingQueue struct{}

func (refusingQueue) Enqueue(jobs.WorkItem) error { return jobs.ErrQueueClosed }

func TestUpload_EnqueueFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.Queue = refusingQueue{}

	rec, up := env.upload(t, "a.heic", "", mock.SampleHEIC())
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, up.Success)

	rec, body := env.status(t, up.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "conversion queue unavailable", body.Error)
	assert.Equal(t, 0, uploadsLeft(t, env.dir))
}

func TestRoutes_UnknownPathAndMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)

	rec, _ = env.do(t, httptest.NewRequest(http.MethodGet, common.PathUpload, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.CORSOrigins = []string{"https://app.example.com"} })
	req := httptest.NewRequest(http.MethodOptions, common.PathUpload, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	svc := &Service{Log: discardLogger()}
	h := svc.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
