// Package network is the thin HTTP boundary to the upload service:
// initiate, chunk POST, complete, pause, resume, status and delete, each
// retried with the shared backoff policy.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cally99/go-resumable/uploader/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultBaseURL is used when no base URL override is configured.
const DefaultBaseURL = "http://localhost:4000/api/uploads"

const (
	defaultTimeout = 30 * time.Second
	chunkTimeout   = 60 * time.Second

	// maxErrorBodySize caps how much of an error response is kept for
	// the error message.
	maxErrorBodySize = 32 * 1024
)

// APIError is a non-2xx server answer. Its status feeds the retry
// classification.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// HTTPStatus implements retry.HTTPStatusError.
func (e *APIError) HTTPStatus() int {
	return e.Status
}

// APIClient talks to the upload service over retryable HTTP.
type APIClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *retryablehttp.Client
	baseURL     string
	logger      log.Logger
}

// NewAPIClient creates a client for the service at baseURL (the default
// is used when empty). Retries, backoff and error classification follow
// the shared retry policy.
func NewAPIClient(baseURL string, logger log.Logger) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &APIClient{
		httpClient:  newRetryingClient(logger, defaultTimeout),
		chunkClient: newRetryingClient(logger, chunkTimeout),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		logger:      logger,
	}
}

func newRetryingClient(logger log.Logger, timeout time.Duration) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = retry.DefaultRetries
	client.RetryWaitMin = retry.DefaultBase
	client.RetryWaitMax = retry.DefaultMax
	client.CheckRetry = retry.CheckRetry
	client.Backoff = retry.FullJitterBackoff
	client.HTTPClient.Timeout = timeout
	return client
}

// Initiate implements Client.
func (c *APIClient) Initiate(ctx context.Context, params InitiateParams) (InitiateResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return InitiateResponse{}, err
	}

	resp, err := c.do(ctx, c.httpClient, http.MethodPost, c.baseURL+"/initiate", body, "application/json")
	if err != nil {
		return InitiateResponse{}, err
	}
	defer c.closeBody(resp)

	var response InitiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return InitiateResponse{}, fmt.Errorf("decode initiate response: %w", err)
	}
	return response, nil
}

// UploadChunk implements Client. The chunk is sent as the binary part of
// a multipart form alongside its zero-based index and the total count.
func (c *APIClient) UploadChunk(ctx context.Context, id string, index, totalChunks int, chunk io.Reader, size int64) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("write chunkIndex field: %w", err)
	}
	if err := writer.WriteField("totalChunks", strconv.Itoa(totalChunks)); err != nil {
		return fmt.Errorf("write totalChunks field: %w", err)
	}
	part, err := writer.CreateFormFile("chunk", "blob")
	if err != nil {
		return fmt.Errorf("create chunk part: %w", err)
	}
	written, err := io.Copy(part, chunk)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}
	if written != size {
		c.logger.Warnf("Chunk %d size mismatch, expected %d, got %d", index, size, written)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/chunk", c.baseURL, id)
	resp, err := c.do(ctx, c.chunkClient, http.MethodPost, url, buf.Bytes(), writer.FormDataContentType())
	if err != nil {
		return err
	}
	c.closeBody(resp)
	return nil
}

// Complete implements Client.
func (c *APIClient) Complete(ctx context.Context, id string) error {
	return c.command(ctx, http.MethodPost, fmt.Sprintf("%s/%s/complete", c.baseURL, id))
}

// Pause implements Client.
func (c *APIClient) Pause(ctx context.Context, id string) error {
	return c.command(ctx, http.MethodPost, fmt.Sprintf("%s/%s/pause", c.baseURL, id))
}

// Resume implements Client.
func (c *APIClient) Resume(ctx context.Context, id string) error {
	return c.command(ctx, http.MethodPost, fmt.Sprintf("%s/%s/resume", c.baseURL, id))
}

// Status implements Client.
func (c *APIClient) Status(ctx context.Context, id string) (StatusResponse, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, fmt.Sprintf("%s/%s/status", c.baseURL, id), nil, "")
	if err != nil {
		return StatusResponse{}, err
	}
	defer c.closeBody(resp)

	var response StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	return response, nil
}

// Cancel implements Client.
func (c *APIClient) Cancel(ctx context.Context, id string) error {
	return c.command(ctx, http.MethodDelete, fmt.Sprintf("%s/%s", c.baseURL, id))
}

func (c *APIClient) command(ctx context.Context, method, url string) error {
	resp, err := c.do(ctx, c.httpClient, method, url, nil, "")
	if err != nil {
		return err
	}
	c.closeBody(resp)
	return nil
}

// do sends a request and returns the response when its status is 2xx;
// any other status is turned into an *APIError.
func (c *APIClient) do(ctx context.Context, client *retryablehttp.Client, method, url string, body []byte, contentType string) (*http.Response, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequest(method, url, rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp)
		return nil, unwrapError(resp)
	}
	return resp, nil
}

func (c *APIClient) closeBody(resp *http.Response) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Debugf("Failed to drain response body: %s", err)
	}
	if err := resp.Body.Close(); err != nil {
		c.logger.Debugf("Failed to close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
