package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// JobStatus values reported by a generation backend.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type JobState struct {
	Status     string   `json:"status"`
	OutputRefs []string `json:"output_refs,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Client is the generation backend contract. Warden never implements the
// backends themselves; it only starts, polls, and cancels jobs.
type Client interface {
	Start(ctx context.Context, taskType string, config map[string]interface{}) (string, error)
	Poll(ctx context.Context, jobHandle string) (*JobState, error)
	Cancel(ctx context.Context, jobHandle string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) doReq(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend %s %s: %d %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *HTTPClient) Start(ctx context.Context, taskType string, config map[string]interface{}) (string, error) {
	data, err := c.doReq(ctx, "POST", "/jobs", map[string]interface{}{
		"type":   taskType,
		"config": config,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		JobHandle string `json:"job_handle"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.JobHandle, nil
}

func (c *HTTPClient) Poll(ctx context.Context, jobHandle string) (*JobState, error) {
	data, err := c.doReq(ctx, "GET", "/jobs/"+jobHandle, nil)
	if err != nil {
		return nil, err
	}
	var state JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobHandle string) error {
	_, err := c.doReq(ctx, "POST", "/jobs/"+jobHandle+"/cancel", nil)
	return err
}
