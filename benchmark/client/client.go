// Package client is the HTTP client shared by the load board benchmarks.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Envelope is the load board response body
type Envelope struct {
	Success bool            `json:"success"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
			},
		},
	}
}

func (c *HTTPClient) GET(endpoint string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	return c.client.Do(req)
}

func (c *HTTPClient) POST(endpoint string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	return c.client.Do(req)
}

// ReadEnvelope reads and closes resp. A non-2xx status still returns the
// envelope together with an error naming the status and code.
func ReadEnvelope(resp *http.Response) (*Envelope, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return &env, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, env.Code, env.Error)
	}
	return &env, nil
}

// UnmarshalData decodes the data of a successful response into v
func UnmarshalData(resp *http.Response, v interface{}) error {
	env, err := ReadEnvelope(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(env.Data, v)
}
