// Package client is the HTTP client for the daemon's control surface.
// The CLI is built on it; external modeling agents may use it too.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Programator2/TSEM/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	headerName string
	http       *http.Client
}

type Option func(*Client)

// WithAPIKey attaches an API key sent on every request.
func WithAPIKey(key, headerName string) Option {
	return func(c *Client) {
		c.apiKey = key
		if headerName != "" {
			c.headerName = headerName
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		headerName: "X-API-Key",
		http:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError carries the status and message of a failed request.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
		payload.Error = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}

// Status returns the daemon status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// CreateDomain creates a modeling domain.
func (c *Client) CreateDomain(ctx context.Context, req types.CreateDomainRequest) (types.DomainInfo, error) {
	var out types.DomainInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/domains", req, &out)
	return out, err
}

// ListDomains returns every live domain.
func (c *Client) ListDomains(ctx context.Context) ([]types.DomainInfo, error) {
	var out []types.DomainInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/domains", nil, &out)
	return out, err
}

// GetDomain returns one domain.
func (c *Client) GetDomain(ctx context.Context, id uint64) (types.DomainInfo, error) {
	var out types.DomainInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/domains/%d", id), nil, &out)
	return out, err
}

// SealDomain seals a domain's model.
func (c *Client) SealDomain(ctx context.Context, id uint64) (types.DomainInfo, error) {
	var out types.DomainInfo
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/seal", id), nil, &out)
	return out, err
}

// DeleteDomain releases a domain.
func (c *Client) DeleteDomain(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/domains/%d", id), nil, nil)
}

// LoadPoint admits a trusted coefficient into an unsealed domain.
func (c *Client) LoadPoint(ctx context.Context, id uint64, valueHex string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/points", id),
		types.ValueResponse{Value: valueHex}, nil)
}

// LoadPseudonym declares a file name pseudonym.
func (c *Client) LoadPseudonym(ctx context.Context, id uint64, valueHex string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/pseudonyms", id),
		types.ValueResponse{Value: valueHex}, nil)
}

// LoadBase sets the model's base point.
func (c *Client) LoadBase(ctx context.Context, id uint64, valueHex string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/domains/%d/base", id),
		types.ValueResponse{Value: valueHex}, nil)
}

// SetActions updates per-event disciplines on a domain.
func (c *Client) SetActions(ctx context.Context, id uint64, updates []types.ActionUpdate) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/domains/%d/actions", id), updates, nil)
}

// ModelValue reads a single hex model value: measurement, state, base
// or aggregate.
func (c *Client) ModelValue(ctx context.Context, id uint64, name string) (string, error) {
	var out types.ValueResponse
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/domains/%d/model/%s", id, name), nil, &out)
	return out.Value, err
}

// Trajectory returns the retained event descriptions of a domain. Pass
// "forensics" as which to read the forensics list instead.
func (c *Client) Trajectory(ctx context.Context, id uint64, which string) ([]types.EventRecord, error) {
	if which == "" {
		which = "trajectory"
	}
	var out []types.EventRecord
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/domains/%d/model/%s", id, which), nil, &out)
	return out, err
}

// Points returns the coefficient snapshot of a domain's model.
func (c *Client) Points(ctx context.Context, id uint64) ([]types.PointRecord, error) {
	var out []types.PointRecord
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/domains/%d/model/points", id), nil, &out)
	return out, err
}

// SendHook submits one security event for modeling.
func (c *Client) SendHook(ctx context.Context, id uint64, req types.HookRequest) (types.HookResponse, error) {
	var out types.HookResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/hooks", id), req, &out)
	return out, err
}

// NextExport consumes at most one export record, long-polling up to
// wait. The second return is false when the queue stayed empty.
func (c *Client) NextExport(ctx context.Context, id uint64, wait time.Duration) (string, bool, error) {
	path := fmt.Sprintf("/api/v1/domains/%d/export", id)
	if wait > 0 {
		path += "?wait=" + wait.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", false, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return "", false, nil
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", false, err
		}
		return strings.TrimRight(string(b), "\n"), true, nil
	default:
		return "", false, apiError(resp)
	}
}

// ResolveTrust settles the trust status of a task waiting on a
// synchronous export.
func (c *Client) ResolveTrust(ctx context.Context, id uint64, req types.TrustRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/trust", id), req, nil)
}
