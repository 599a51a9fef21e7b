package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient returns an APIClient against url with backoff flattened so
// retry-path tests run instantly.
func testClient(url string) *APIClient {
	client := NewAPIClient(url, log.NewLogger())
	noWait := func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 0
	}
	client.httpClient.Backoff = noWait
	client.chunkClient.Backoff = noWait
	return client
}

func TestInitiate(t *testing.T) {
	var gotPath, gotMethod, gotBody, gotCacheControl, gotPragma string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotCacheControl = r.Header.Get("Cache-Control")
		gotPragma = r.Header.Get("Pragma")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uploadId": "srv-1", "s3Key": "bucket/srv-1", "chunkSize": 1048576}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.Initiate(context.Background(), InitiateParams{
		Filename: "video.mp4",
		Filetype: "video/mp4",
		Filesize: 123,
	})
	require.NoError(t, err)

	assert.Equal(t, "/initiate", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "no-cache", gotCacheControl)
	assert.Equal(t, "no-cache", gotPragma)
	assert.JSONEq(t, `{"filename":"video.mp4","filetype":"video/mp4","filesize":123}`, gotBody)
	assert.Equal(t, "srv-1", resp.UploadID)
	assert.Equal(t, "bucket/srv-1", resp.S3Key)
	assert.Equal(t, int64(1048576), resp.ChunkSize)
}

func TestUploadChunkMultipart(t *testing.T) {
	var gotPath, gotIndex, gotTotal string
	var gotChunk []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotIndex = r.FormValue("chunkIndex")
		gotTotal = r.FormValue("totalChunks")
		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		gotChunk, err = io.ReadAll(file)
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := testClient(server.URL)
	chunk := []byte("chunk payload")
	err := client.UploadChunk(context.Background(), "u1", 2, 5, strings.NewReader(string(chunk)), int64(len(chunk)))
	require.NoError(t, err)

	assert.Equal(t, "/u1/chunk", gotPath)
	assert.Equal(t, "2", gotIndex)
	assert.Equal(t, "5", gotTotal)
	assert.Equal(t, chunk, gotChunk)
}

func TestCommandEndpoints(t *testing.T) {
	type call struct {
		method string
		path   string
	}
	var calls []call
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{method: r.Method, path: r.URL.Path})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)
	ctx := context.Background()
	require.NoError(t, client.Complete(ctx, "u1"))
	require.NoError(t, client.Pause(ctx, "u1"))
	require.NoError(t, client.Resume(ctx, "u1"))
	require.NoError(t, client.Cancel(ctx, "u1"))

	assert.Equal(t, []call{
		{method: http.MethodPost, path: "/u1/complete"},
		{method: http.MethodPost, path: "/u1/pause"},
		{method: http.MethodPost, path: "/u1/resume"},
		{method: http.MethodDelete, path: "/u1"},
	}, calls)
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/u1/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "uploading", "uploadedChunks": [0, 1, 4]}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "uploading", resp.Status)
	assert.Equal(t, []int{0, 1, 4}, resp.UploadedChunks)
}

func TestTransientErrorIsRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)
	chunk := "data"
	err := client.UploadChunk(context.Background(), "u1", 0, 1, strings.NewReader(chunk), int64(len(chunk)))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestFatalStatusIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("upload already finalized"))
	}))
	defer server.Close()

	client := testClient(server.URL)
	err := client.Complete(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "upload already finalized")
}

func TestDefaultBaseURL(t *testing.T) {
	client := NewAPIClient("", log.NewLogger())
	assert.Equal(t, DefaultBaseURL, client.baseURL)

	trimmed := NewAPIClient("http://example.com/api/uploads/", log.NewLogger())
	assert.Equal(t, "http://example.com/api/uploads", trimmed.baseURL)
}
