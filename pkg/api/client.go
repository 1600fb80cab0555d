package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/versionstore"
)

// Client talks to a Server. It implements versionstore.Store, and server
// errors come back as *errmodel.Error so errors.Is keeps working.
type Client struct {
	base string
	http *http.Client
}

var _ versionstore.Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func designPath(id string, suffix ...string) string {
	return "/api/designs/" + url.PathEscape(id) + strings.Join(suffix, "")
}

// do sends body as JSON and decodes a 2xx response into out. It reports
// the status so callers can special-case 404.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errmodel.New(errmodel.CategoryNetwork, "unreachable", fmt.Sprintf("%s %s", method, path), nil, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, errmodel.New(errmodel.CategoryNetwork, "read_body", err.Error(), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, errmodel.ReadHTTP(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errmodel.New(errmodel.CategoryNetwork, "bad_response", err.Error(), nil)
		}
	}
	return resp.StatusCode, nil
}

// Create implements versionstore.Store.
func (c *Client) Create(ctx context.Context, doc document.Value) (versionstore.Record, error) {
	var rec versionstore.Record
	_, err := c.do(ctx, http.MethodPost, "/api/designs", map[string]any{"document": doc}, &rec)
	return rec, err
}

// Update implements versionstore.Store.
func (c *Client) Update(ctx context.Context, id string, doc document.Value, expectedVersion int64) (versionstore.UpdateResult, error) {
	var res versionstore.UpdateResult
	_, err := c.do(ctx, http.MethodPut, designPath(id), map[string]any{"document": doc, "expected_version": expectedVersion}, &res)
	return res, err
}

// Undo implements versionstore.Store.
func (c *Client) Undo(ctx context.Context, id string) (versionstore.StepResult, error) {
	var res versionstore.StepResult
	_, err := c.do(ctx, http.MethodPost, designPath(id, "/undo"), nil, &res)
	return res, err
}

// Redo implements versionstore.Store.
func (c *Client) Redo(ctx context.Context, id string) (versionstore.StepResult, error) {
	var res versionstore.StepResult
	_, err := c.do(ctx, http.MethodPost, designPath(id, "/redo"), nil, &res)
	return res, err
}

// Get implements versionstore.Store; a 404 yields nil, nil.
func (c *Client) Get(ctx context.Context, id string) (*versionstore.Record, error) {
	var rec versionstore.Record
	status, err := c.do(ctx, http.MethodGet, designPath(id), nil, &rec)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List implements versionstore.Store.
func (c *Client) List(ctx context.Context) ([]versionstore.Record, error) {
	var recs []versionstore.Record
	_, err := c.do(ctx, http.MethodGet, "/api/designs", nil, &recs)
	return recs, err
}

// History implements versionstore.Store.
func (c *Client) History(ctx context.Context, id string) ([]history.Event, error) {
	var events []history.Event
	_, err := c.do(ctx, http.MethodGet, designPath(id, "/history"), nil, &events)
	return events, err
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}
