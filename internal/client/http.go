package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yourusername/ops-console/internal/jobs"
)

// HTTPClient はAPIサーバーに対する StatusProbe / Transport 実装です。
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClient は HTTPClient を作成します。
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpClient,
	}
}

// Status は GET /api/jobs/:kind/status を呼びます。
func (c *HTTPClient) Status(ctx context.Context, kind, scope string) (jobs.Status, error) {
	u := fmt.Sprintf("%s/api/jobs/%s/status?scope=%s", c.BaseURL, url.PathEscape(kind), url.QueryEscape(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return jobs.Status{}, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return jobs.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jobs.Status{}, fmt.Errorf("status probe returned %d", resp.StatusCode)
	}

	var st jobs.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return jobs.Status{}, err
	}
	return st, nil
}

// Subscribe は POST /api/jobs/:kind/stream を開き、応答ボディを返します。
func (c *HTTPClient) Subscribe(ctx context.Context, kind, scope string, from int64) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/api/jobs/%s/stream?scope=%s&from=%s",
		c.BaseURL, url.PathEscape(kind), url.QueryEscape(scope), strconv.FormatInt(from, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream subscribe returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// インターフェース実装の確認
var (
	_ StatusProbe = (*HTTPClient)(nil)
	_ Transport   = (*HTTPClient)(nil)
)
