package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/reclaimr"
)

// APIClient talks to a running `reclaimr serve` daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/api"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) do(method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &errorResp) == nil && errorResp.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, errorResp.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) Groups(order, search string) ([]reclaimr.Group, error) {
	q := url.Values{}
	if order != "" {
		q.Set("order", order)
	}
	if search != "" {
		q.Set("search", search)
	}
	var out []reclaimr.Group
	err := c.do(http.MethodGet, "/groups", q, &out)
	return out, err
}

func (c *APIClient) Candidates(exclude []string) ([]reclaimr.Suggestion, error) {
	q := url.Values{}
	if len(exclude) > 0 {
		q.Set("exclude", strings.Join(exclude, ","))
	}
	var out []reclaimr.Suggestion
	err := c.do(http.MethodGet, "/candidates", q, &out)
	return out, err
}

func (c *APIClient) Sweep(mode string) (reclaimr.SweepReport, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	var out reclaimr.SweepReport
	err := c.do(http.MethodPost, "/sweep", q, &out)
	return out, err
}

func (c *APIClient) CloseGroup(name, mode string) (reclaimr.Report, error) {
	q := url.Values{"name": {name}}
	if mode != "" {
		q.Set("mode", mode)
	}
	var out reclaimr.Report
	err := c.do(http.MethodPost, "/groups/close", q, &out)
	return out, err
}

func (c *APIClient) ModelInfo() (reclaimr.ModelInfo, error) {
	var out reclaimr.ModelInfo
	err := c.do(http.MethodGet, "/model", nil, &out)
	return out, err
}

func (c *APIClient) ReloadModel() (reclaimr.ModelInfo, error) {
	var out reclaimr.ModelInfo
	err := c.do(http.MethodPost, "/model/reload", nil, &out)
	return out, err
}

func (c *APIClient) RetrainModel() (reclaimr.ModelInfo, error) {
	var out reclaimr.ModelInfo
	err := c.do(http.MethodPost, "/model/retrain", nil, &out)
	return out, err
}
