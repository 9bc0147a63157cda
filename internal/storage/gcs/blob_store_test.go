package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestStore points a GCS client at a fake JSON API server.
func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/raw-pages/o")
		assert.Equal(t, "jobs/egypt/backend/000000-abc.html", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "<li>card</li>")

		fmt.Fprintln(w, `{"name": "jobs/egypt/backend/000000-abc.html", "bucket": "raw-pages"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "raw-pages"})

	uri, err := store.PutObject(context.Background(), "/jobs/egypt/backend/000000-abc.html", "text/html", strings.NewReader("<li>card</li>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://raw-pages/jobs/egypt/backend/000000-abc.html", uri)
}

func TestPutObjectExistingIsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "raw-pages"})

	uri, err := store.PutObject(context.Background(), "page.html", "text/html", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "gs://raw-pages/page.html", uri)
}

func TestPutObjectError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error": {"code": 403, "message": "forbidden"}}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "raw-pages"})

	_, err := store.PutObject(context.Background(), "page.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
