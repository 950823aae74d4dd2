package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signals are the raw per-output quality signals from the scoring backend,
// each in [0,1].
type Signals struct {
	Aesthetic   float64 `json:"aesthetic"`
	Technical   float64 `json:"technical"`
	DomainMatch float64 `json:"domain_match"`
}

type Client interface {
	Score(ctx context.Context, outputRef, referenceRef string) (*Signals, error)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) Score(ctx context.Context, outputRef, referenceRef string) (*Signals, error) {
	payload, err := json.Marshal(map[string]string{
		"output_ref":    outputRef,
		"reference_ref": referenceRef,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/score", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("grader score: %d %s", resp.StatusCode, string(data))
	}

	var sig Signals
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}
