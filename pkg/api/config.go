package api

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jingkaihe/stubnet/internal/errx"
)

const (
	DefaultListenAddr             = "127.0.0.1:8790"
	DefaultControlAddr            = "127.0.0.1:8791"
	DefaultWaitTimeout            = 5 * time.Second
	DefaultGracefulShutdownPeriod = 5 * time.Second
)

// ServeConfig configures the interception proxy and its control plane.
type ServeConfig struct {
	RunID       string `json:"run_id,omitempty"`
	ListenAddr  string `json:"listen_addr,omitempty"`
	ControlAddr string `json:"control_addr,omitempty"`

	// Upstream receives origin-form requests that no rule answers.
	// Empty means the request's Host header decides.
	Upstream string `json:"upstream,omitempty"`

	RulesPath   string `json:"rules_path,omitempty"`
	EventsPath  string `json:"events_path,omitempty"`
	JournalPath string `json:"journal_path,omitempty"`

	WaitTimeout time.Duration `json:"-"`
}

// GetRunID returns the configured run ID, generating one on first use.
func (c *ServeConfig) GetRunID() string {
	if c.RunID == "" {
		c.RunID = "run-" + uuid.New().String()[:8]
	}
	return c.RunID
}

// GetListenAddr returns the proxy listen address or the default.
func (c *ServeConfig) GetListenAddr() string {
	if c != nil && c.ListenAddr != "" {
		return c.ListenAddr
	}
	return DefaultListenAddr
}

// GetControlAddr returns the control plane listen address or the default.
func (c *ServeConfig) GetControlAddr() string {
	if c != nil && c.ControlAddr != "" {
		return c.ControlAddr
	}
	return DefaultControlAddr
}

// GetWaitTimeout returns the default fulfillment wait timeout.
func (c *ServeConfig) GetWaitTimeout() time.Duration {
	if c != nil && c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	return DefaultWaitTimeout
}

// Validate checks serve config invariants.
func (c *ServeConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.ListenAddr != "" && c.ListenAddr == c.ControlAddr {
		return errx.With(ErrInvalidConfig, ": proxy and control plane cannot share %s", c.ListenAddr)
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil {
			return errx.With(ErrInvalidConfig, ": upstream: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errx.With(ErrInvalidConfig, ": upstream must be an http(s) URL, got %q", c.Upstream)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errx.With(ErrInvalidConfig, ": upstream %q has no host", c.Upstream)
		}
	}
	return nil
}
