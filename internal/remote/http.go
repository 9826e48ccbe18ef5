package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPClient implements Client against the artifact service's REST surface.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout overrides the default 60s request timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithLogger attaches a logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) HTTPOption {
	return func(c *HTTPClient) { c.log = l }
}

// NewHTTPClient builds a client for the service at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fileResponse struct {
	ID string `json:"id"`
}

type collectionResponse struct {
	ID string `json:"id"`
}

// Upload sends data as one remote file and returns its id.
func (c *HTTPClient) Upload(ctx context.Context, name string, data []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/files?name=%s", c.baseURL, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))

	c.log.Debug("uploading file", zap.String("name", name), zap.Int("bytes", len(data)))

	var resp fileResponse
	if err := c.do(req, "Upload", name, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("upload of %s returned no file id", name)
	}
	return resp.ID, nil
}

// CreateCollection builds a collection over fileIDs.
func (c *HTTPClient) CreateCollection(ctx context.Context, fileIDs []string) (string, error) {
	body, err := json.Marshal(map[string][]string{"file_ids": fileIDs})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/collections", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp collectionResponse
	if err := c.do(req, "CreateCollection", "", &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create collection returned no id")
	}
	return resp.ID, nil
}

// Associate attaches an uploaded file to a collection.
func (c *HTTPClient) Associate(ctx context.Context, collectionID, fileID string) error {
	body, err := json.Marshal(map[string]string{"file_id": fileID})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/collections/%s/files", c.baseURL, url.PathEscape(collectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "Associate", collectionID, nil)
}

// DeleteCollection removes a collection.
func (c *HTTPClient) DeleteCollection(ctx context.Context, collectionID string) error {
	endpoint := fmt.Sprintf("%s/v1/collections/%s", c.baseURL, url.PathEscape(collectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, "DeleteCollection", collectionID, nil)
}

// DeleteFile removes an uploaded file.
func (c *HTTPClient) DeleteFile(ctx context.Context, fileID string) error {
	endpoint := fmt.Sprintf("%s/v1/files/%s", c.baseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, "DeleteFile", fileID, nil)
}

// do executes the request, maps failure status codes onto the typed error
// taxonomy, and decodes a JSON body into out when out is non-nil.
func (c *HTTPClient) do(req *http.Request, op, id string, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &QuotaError{Op: op, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Op: op, ID: id}
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &CapacityError{Op: op}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s failed (status %d): %s", op, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to parse response: %w", op, err)
		}
	}
	return nil
}
