package intercept

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jingkaihe/stubnet/internal/errx"
)

// Request is the descriptor matchers and responders see for an outbound call.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	segments []string
}

// NewRequest builds a descriptor from its parts. rawURL may be absolute or a
// bare path.
func NewRequest(method, rawURL string, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errx.Wrap(ErrInvalidURL, err)
	}
	if header == nil {
		header = make(http.Header)
	}
	return newRequest(method, u, header, body), nil
}

// RequestFromHTTP reads req's body and restores it so the request can still
// be sent upstream.
func RequestFromHTTP(req *http.Request) (*Request, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, errx.Wrap(ErrReadBody, err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}
	u := *req.URL
	if u.Host == "" && req.Host != "" {
		u.Host = req.Host
		if u.Scheme == "" {
			u.Scheme = "http"
		}
	}
	return newRequest(req.Method, &u, req.Header.Clone(), body), nil
}

func newRequest(method string, u *url.URL, header http.Header, body []byte) *Request {
	if method == "" {
		method = http.MethodGet
	}
	r := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header,
		Body:   body,
	}
	r.segments = splitSegments(u)
	return r
}

// splitSegments splits the escaped path so an encoded slash stays inside
// its segment, then decodes each segment.
func splitSegments(u *url.URL) []string {
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if decoded, err := url.PathUnescape(part); err == nil {
			parts[i] = decoded
		}
	}
	return parts
}

// Path returns the URL path, "/" when empty.
func (r *Request) Path() string {
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// Query returns the parsed query string.
func (r *Request) Query() url.Values {
	return r.URL.Query()
}

// Segments returns the non-empty path segments in order.
func (r *Request) Segments() []string {
	return r.segments
}

// Segment returns the i-th path segment. Negative indexes count from the end,
// so Segment(-1) of /posts/7 is "7". ok is false when i is out of range.
func (r *Request) Segment(i int) (string, bool) {
	if i < 0 {
		i += len(r.segments)
	}
	if i < 0 || i >= len(r.segments) {
		return "", false
	}
	return r.segments[i], true
}

// JSON looks up a gjson path in the request body.
func (r *Request) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// AbsoluteURL returns scheme://host/path without query or fragment.
func (r *Request) AbsoluteURL() string {
	u := *r.URL
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (r *Request) String() string {
	return r.Method + " " + r.URL.String()
}
