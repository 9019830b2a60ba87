package client

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

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// HTTPClient implements TaskClient using the HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func taskPath(id model.TaskID) string {
	return "/v1/tasks/" + id.String()
}

func (c *HTTPClient) Register(ctx context.Context, cfg *model.TaskConfig, proof string) (model.TaskID, error) {
	body := struct {
		Config *model.TaskConfig `json:"config"`
		Proof  string            `json:"proof"`
	}{cfg, proof}
	var resp struct {
		TaskID model.TaskID `json:"task_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", body, &resp); err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// GetTask returns nil, nil for an ID that was never registered.
func (c *HTTPClient) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	var resp struct {
		Task *model.TaskConfig `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodGet, taskPath(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *HTTPClient) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	q := url.Values{}
	if filter.Creator != "" {
		q.Set("creator", filter.Creator.String())
	}
	if filter.AfterID > 0 {
		q.Set("after", filter.AfterID.String())
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []*model.Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *HTTPClient) Execute(ctx context.Context, id model.TaskID) (*ExecuteResult, error) {
	var resp ExecuteResult
	if err := c.doJSON(ctx, http.MethodPost, taskPath(id)+"/execute", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Monitor(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/monitor", nil, nil)
}

func (c *HTTPClient) ListEvents(ctx context.Context, id model.TaskID) ([]*model.Event, error) {
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, taskPath(id)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  uint32 `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Code: model.ErrorCode(errResp.Code)}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
