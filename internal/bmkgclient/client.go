// Package bmkgclient is a minimal client for BMKG's nowcast REST API.
// It performs no retries and no caching; the engine's poll cycle owns
// cadence and failure handling.
package bmkgclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// UpstreamClient is the interface the alert engine depends on. It is
// satisfied by Client and by fakes used in engine tests.
type UpstreamClient interface {
	ListNowcast(ctx context.Context) (ListResponse, error)
	FetchDetail(ctx context.Context, code string) (DetailResponse, error)
	CheckHealth(ctx context.Context) bool
}

// Client is the production UpstreamClient implementation, calling the live
// BMKG REST API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client pointed at baseURL. A zero timeout selects the
// package default of 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ListItem is a single entry from GET /v1/nowcast.
type ListItem struct {
	Code        string `json:"code"`
	Province    string `json:"province"`
	Description string `json:"description"`
	PublishedAt string `json:"published_at"`
	DetailURL   string `json:"detail_url"`
}

// ListResponse is the full response from GET /v1/nowcast.
type ListResponse struct {
	Data        []ListItem     `json:"data"`
	Meta        map[string]any `json:"meta,omitempty"`
	Attribution string         `json:"attribution,omitempty"`
}

// WireArea is the wire representation of a warning's affected area.
type WireArea struct {
	Name    string      `json:"name"`
	Polygon [][]float64 `json:"polygon,omitempty"`
}

// WireWarning is the wire representation of a single warning, as returned
// under the "warnings" key of GET /v1/nowcast/{code}.
type WireWarning struct {
	Identifier     string     `json:"identifier"`
	Event          string     `json:"event"`
	Severity       string     `json:"severity"`
	Urgency        string     `json:"urgency"`
	Certainty      string     `json:"certainty"`
	Effective      string     `json:"effective"`
	Expires        string     `json:"expires"`
	Headline       string     `json:"headline"`
	Description    string     `json:"description"`
	Sender         string     `json:"sender"`
	InfographicURL string     `json:"infographic_url,omitempty"`
	Areas          []WireArea `json:"areas"`
	IsExpired      bool       `json:"is_expired"`
}

// DetailData is the "data" field of GET /v1/nowcast/{code}.
type DetailData struct {
	Province string        `json:"province"`
	Warnings []WireWarning `json:"warnings"`
}

// DetailResponse is the full response from GET /v1/nowcast/{code}. The
// upstream API wraps the detail payload in a "data" key.
type DetailResponse struct {
	Data        DetailData     `json:"data"`
	Meta        map[string]any `json:"meta,omitempty"`
	Attribution string         `json:"attribution,omitempty"`
}

// ListNowcast fetches every currently active nowcast warning summary.
func (c *Client) ListNowcast(ctx context.Context) (ListResponse, error) {
	var out ListResponse
	if err := c.getJSON(ctx, "/v1/nowcast", &out); err != nil {
		return ListResponse{}, fmt.Errorf("bmkgclient: list nowcast: %w", err)
	}
	return out, nil
}

// FetchDetail fetches the full warning detail for a single nowcast code.
func (c *Client) FetchDetail(ctx context.Context, code string) (DetailResponse, error) {
	path := "/v1/nowcast/" + url.PathEscape(code)
	var out DetailResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return DetailResponse{}, fmt.Errorf("bmkgclient: fetch detail %s: %w", code, err)
	}
	return out, nil
}

// CheckHealth reports whether the upstream API responds with 200 OK to a
// list request. Any error, including context cancellation, is treated as
// unhealthy rather than propagated — callers use this purely as a status
// indicator.
func (c *Client) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/nowcast", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// getJSON performs a GET request against path and decodes the JSON body
// into out. Non-2xx responses are treated as errors.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
