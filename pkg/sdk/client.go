// Package sdk is a Go client for the stubnet control plane.
//
//	client := sdk.NewClient("http://127.0.0.1:8791")
//	label, err := client.Register(ctx, sdk.Intercept("GET", "/posts/1").
//	    As("getMockedPost").
//	    Status(200).
//	    Body(map[string]any{"id": 1, "title": "Mocked Post Title"}).
//	    Config())
//
//	// drive the browser / code under test through the proxy ...
//
//	matched, err := client.Wait(ctx, label, 5*time.Second, 1)
package sdk

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

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/internal/httpx"
	"github.com/jingkaihe/stubnet/pkg/api"
)

// Client talks to a control plane. It is safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the control plane at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Register adds a rule and returns its label.
func (c *Client) Register(ctx context.Context, rule api.RuleConfig) (string, error) {
	var out api.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/rules", rule, http.StatusCreated, &out, api.ErrDuplicateLabel)
	if err != nil {
		return "", err
	}
	return out.Label, nil
}

// Rules lists registered rules with their match counts.
func (c *Client) Rules(ctx context.Context) ([]api.RuleStats, error) {
	var out []api.RuleStats
	if err := c.do(ctx, http.MethodGet, "/rules", nil, http.StatusOK, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns request totals since the last reset.
func (c *Client) Stats(ctx context.Context) (*api.EngineStats, error) {
	var out api.EngineStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, http.StatusOK, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset drops every rule on the server.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/rules", nil, http.StatusOK, nil, nil)
}

// Wait blocks until label has matched at least count times and returns the
// match count. timeout <= 0 uses the server default.
func (c *Client) Wait(ctx context.Context, label string, timeout time.Duration, count int64) (int64, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	if count > 1 {
		q.Set("count", strconv.FormatInt(count, 10))
	}
	path := "/rules/" + url.PathEscape(label) + "/wait"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out api.WaitResponse
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &out, api.ErrRuleReset); err != nil {
		return 0, err
	}
	return out.Matched, nil
}

// Health reports whether the control plane is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil, nil)
}

// do sends a request and decodes a want-status response into out.
// conflict is the sentinel a 409 maps to for this endpoint.
func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any, conflict error) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errx.Wrap(ErrRequest, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errx.Wrap(ErrRequest, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errx.Wrap(ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(resp, conflict)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errx.Wrap(ErrDecode, err)
	}
	return nil
}

func statusError(resp *http.Response, conflict error) error {
	var eb httpx.ErrorBody
	raw, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = api.ErrInvalidRule
	case http.StatusNotFound:
		sentinel = api.ErrUnknownLabel
	case http.StatusRequestTimeout:
		sentinel = api.ErrWaitTimeout
	case http.StatusConflict:
		sentinel = conflict
	}
	if sentinel == nil {
		return errx.With(ErrUnexpectedStatus, ": %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%w (%d): %s", sentinel, resp.StatusCode, msg)
}
