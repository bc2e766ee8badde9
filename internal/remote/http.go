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
	"strings"
	"time"

	"task-sync-engine/internal/config"
)

// HTTPClient talks JSON over HTTP to the remote task store.
//
// Error mapping: transport failures and timeouts are transient; 5xx and 429
// are transient; 409 is a version conflict; 404 is not-found; every other
// non-2xx status (auth, validation) is permanent.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewHTTPClient(cfg config.RemoteConfig) *HTTPClient {
	timeout := cfg.GetTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Create(ctx context.Context, e *Entity) (*Entity, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to encode entity: %w", err)}
	}

	var created Entity
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *HTTPClient) Update(ctx context.Context, id string, baseVersion int64, data json.RawMessage) (int64, error) {
	body, err := json.Marshal(map[string]any{
		"base_version": baseVersion,
		"data":         data,
	})
	if err != nil {
		return 0, &PermanentError{Err: fmt.Errorf("failed to encode update: %w", err)}
	}

	var resp struct {
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/v1/tasks/"+url.PathEscape(id), body, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string, baseVersion int64) error {
	path := "/api/v1/tasks/" + url.PathEscape(id) + "?base_version=" + strconv.FormatInt(baseVersion, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *HTTPClient) List(ctx context.Context, since time.Time) ([]*Entity, error) {
	path := "/api/v1/tasks"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	var entities []*Entity
	if err := c.do(ctx, http.MethodGet, path, nil, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network and timeout failures are retryable.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("remote returned %s", resp.Status)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PermanentError{Err: fmt.Errorf("remote rejected request: %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}
}
