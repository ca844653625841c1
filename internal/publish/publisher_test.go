package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscale-worker/internal/config"
	"upscale-worker/internal/models"
)

type fakeUploader struct {
	keys []string
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "mem://" + key, nil
}

type fakeNotifier struct {
	events []string
	err    error
}

func (f *fakeNotifier) Admin(_ context.Context, msg string) error {
	f.events = append(f.events, "admin:"+msg)
	return f.err
}

func (f *fakeNotifier) Callback(_ context.Context, base string, _ int64, msg string) error {
	f.events = append(f.events, "callback:"+base+":"+msg)
	return f.err
}

func artifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cat.png_upsampled.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))
	return path
}

const view = "https://cdn.example/public/{slug}.png"

func TestPublishUploadsThenNotifiesThenRemoves(t *testing.T) {
	path := artifact(t)
	up := &fakeUploader{}
	n := &fakeNotifier{}
	p := New(up, n, view, nil)

	job := models.Job{ID: 1, Prompt: "cat.png", CallbackURL: "https://caller.example"}
	err := p.Publish(context.Background(), models.Result{OutputPath: path, Elapsed: 75, Slug: "cat.png_upsampled"}, job)
	require.NoError(t, err)

	assert.Equal(t, []string{"cat.png_upsampled.png"}, up.keys)
	msg := "https://cdn.example/public/cat.png_upsampled.png\nTook 1m15s to generate"
	assert.Equal(t, []string{"admin:" + msg, "callback:https://caller.example:" + msg}, n.events)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "artifact should be removed")
}

func TestPublishRemovesArtifactWhenNotificationFails(t *testing.T) {
	path := artifact(t)
	p := New(&fakeUploader{}, &fakeNotifier{err: errors.New("down")}, view, nil)

	err := p.Publish(context.Background(), models.Result{OutputPath: path, Elapsed: 12, Slug: "s"}, models.Job{ID: 2})
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPublishUploadFailureKeepsArtifactAndSkipsNotify(t *testing.T) {
	path := artifact(t)
	n := &fakeNotifier{}
	p := New(&fakeUploader{err: errors.New("503")}, n, view, nil)

	err := p.Publish(context.Background(), models.Result{OutputPath: path, Slug: "s"}, models.Job{ID: 3})
	require.Error(t, err)
	assert.Empty(t, n.events)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestCompletionMessage(t *testing.T) {
	assert.Equal(t, "u\nTook 0m12s to generate", CompletionMessage("u", 12))
	assert.Equal(t, "u\nTook 2m0s to generate", CompletionMessage("u", 120))
}

func TestHTTPUploader(t *testing.T) {
	var gotAuth, gotType, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewUploader(context.Background(), config.Config{
		StorageBackend: "http",
		StorageURL:     srv.URL + "/",
		StorageBucket:  "imoges",
		StorageAPIKey:  "secret",
	})
	require.NoError(t, err)

	_, err = up.Upload(context.Background(), "cat_upsampled.png", []byte("data"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "/storage/v1/object/imoges/cat_upsampled.png", gotPath)
	assert.Equal(t, "data", string(gotBody))
}

func TestHTTPUploaderEscapesReservedKeyCharacters(t *testing.T) {
	var gotPath, gotEscaped, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEscaped = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewUploader(context.Background(), config.Config{StorageURL: srv.URL, StorageBucket: "imoges"})
	require.NoError(t, err)

	for _, key := range []string{"a#b_upsampled.png", "a?b_upsampled.png", "a%b_upsampled.png"} {
		t.Run(key, func(t *testing.T) {
			location, err := up.Upload(context.Background(), key, []byte("x"), "image/png")
			require.NoError(t, err)
			assert.Equal(t, "/storage/v1/object/imoges/"+key, gotPath)
			assert.Equal(t, "/storage/v1/object/imoges/"+url.PathEscape(key), gotEscaped)
			assert.Empty(t, gotQuery)
			assert.Equal(t, srv.URL+gotEscaped, location)
		})
	}
}

func TestHTTPUploaderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bucket not found", http.StatusNotFound)
	}))
	defer srv.Close()

	up, err := NewUploader(context.Background(), config.Config{StorageURL: srv.URL, StorageBucket: "b"})
	require.NoError(t, err)
	_, err = up.Upload(context.Background(), "k.png", nil, "image/png")
	assert.ErrorContains(t, err, "404")
}

func TestLocalUploaderStaysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	up, err := NewUploader(context.Background(), config.Config{StorageBackend: "local", LocalStorageDir: dir})
	require.NoError(t, err)

	path, err := up.Upload(context.Background(), "../../escape.png", []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.png"), path)
}
