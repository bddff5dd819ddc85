// Package proxy exposes an interception registry as an HTTP forward proxy so
// browsers and other runtimes can be pointed at it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/internal/httpx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/intercept"
)

var ErrInvalidUpstream = errors.New("proxy: invalid upstream")

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config configures a Proxy.
type Config struct {
	// Upstream receives origin-form requests, e.g. http://localhost:3000.
	// Empty means the Host header decides.
	Upstream string
	// Base performs pass-through requests. Defaults to http.DefaultTransport.
	Base   http.RoundTripper
	Logger *slog.Logger
}

// Proxy is an http.Handler that answers from the registry when a rule
// matches and forwards to the real network otherwise.
type Proxy struct {
	transport *intercept.Transport
	upstream  *url.URL
	logger    *slog.Logger
}

// New creates a proxy over registry.
func New(registry *intercept.Registry, cfg Config) (*Proxy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		transport: &intercept.Transport{Registry: registry, Base: cfg.Base},
		logger:    logger.With("component", "proxy"),
	}
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, errx.Wrap(ErrInvalidUpstream, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errx.With(ErrInvalidUpstream, ": %q needs an http(s) scheme and host", cfg.Upstream)
		}
		p.upstream = u
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.logger.Debug("rejecting CONNECT", "host", r.Host)
		httpx.Error(w, http.StatusNotImplemented, "CONNECT tunnelling is not supported")
		return
	}

	target := p.targetURL(r)
	if target.Host == "" {
		httpx.Error(w, http.StatusBadRequest, "cannot determine target host")
		return
	}

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	removeHopByHop(out.Header)

	start := time.Now()
	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		if errors.Is(err, api.ErrNetworkFailure) {
			p.logger.Debug("aborting connection", "method", r.Method, "url", target.String())
			panic(http.ErrAbortHandler)
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("upstream request failed", "method", r.Method, "url", target.String(), "error", err)
		httpx.Error(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("copy response body", "url", target.String(), "error", err)
	}
	p.logger.Debug("proxied", "method", r.Method, "url", target.String(),
		"status", resp.StatusCode, "duration", time.Since(start))
}

func (p *Proxy) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if p.upstream != nil {
		u.Scheme = p.upstream.Scheme
		u.Host = p.upstream.Host
		u.Path = strings.TrimSuffix(p.upstream.Path, "/") + r.URL.Path
		u.RawPath = ""
	}
	return u
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
