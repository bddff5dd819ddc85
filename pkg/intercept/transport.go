package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jingkaihe/stubnet/pkg/api"
)

// Transport is an http.RoundTripper that resolves requests against a
// Registry before falling back to Base.
type Transport struct {
	Registry *Registry
	// Base handles pass-through requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// NewClient returns an http.Client whose requests go through registry.
func NewClient(registry *Registry) *http.Client {
	return &http.Client{Transport: &Transport{Registry: registry}}
}

// NetworkError is returned for rules that force a network failure.
// errors.Is(err, api.ErrNetworkFailure) holds for it.
type NetworkError struct {
	Method string
	URL    string
	Label  string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v (rule %s)", e.Method, e.URL, api.ErrNetworkFailure, e.Label)
}

func (e *NetworkError) Unwrap() error {
	return api.ErrNetworkFailure
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ireq, err := RequestFromHTTP(req)
	if err != nil {
		return nil, err
	}
	out := t.Registry.Intercept(ireq)
	if out.PassThrough() {
		resp, err := t.base().RoundTrip(req)
		if err == nil {
			t.Registry.deliver(out)
		}
		return resp, err
	}
	resp := out.Response

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}

	if resp.ForceNetworkError {
		t.Registry.deliver(out)
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Label: out.Label}
	}
	httpResp, err := buildResponse(req, resp)
	if err != nil {
		return nil, err
	}
	t.Registry.deliver(out)
	return httpResp, nil
}

func buildResponse(req *http.Request, resp *StaticResponse) (*http.Response, error) {
	body, err := resp.EncodeBody()
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Headers)+2)
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	if len(body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if req.Method == http.MethodHead {
		body = nil
	}

	code := resp.Status()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
