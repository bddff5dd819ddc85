package api

import (
	"net/http"
	"strings"

	"github.com/jingkaihe/stubnet/internal/errx"
)

// AnyMethod matches every HTTP method.
const AnyMethod = "*"

// Methods lists the verbs a rule may be registered for.
var Methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodHead,
	http.MethodOptions,
}

// RulesFile is the on-disk form of a fixture of interception rules.
type RulesFile struct {
	Rules []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig describes one interception rule.
type RuleConfig struct {
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"` // empty or "*" matches all methods
	URL    string `json:"url" yaml:"url"`                           // exact URL/path or glob with '*'

	Response ResponseConfig `json:"response" yaml:"response"`
}

// ResponseConfig describes the response fabricated for a matching request.
//
// Set maps sjson paths in the response body to templates evaluated against
// the intercepted request, e.g. {"id": "{{segment:-1 | int}}"}.
type ResponseConfig struct {
	StatusCode        int               `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Body              any               `json:"body,omitempty" yaml:"body,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	DelayMS           int               `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	ForceNetworkError bool              `json:"force_network_error,omitempty" yaml:"force_network_error,omitempty"`

	EchoBody bool              `json:"echo_body,omitempty" yaml:"echo_body,omitempty"`
	Set      map[string]string `json:"set,omitempty" yaml:"set,omitempty"`
}

// IsDynamic reports whether the response depends on the intercepted request.
func (r ResponseConfig) IsDynamic() bool {
	return r.EchoBody || len(r.Set) > 0
}

// NormalizeMethod upper-cases method and maps the empty string to AnyMethod.
func NormalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return AnyMethod
	}
	return method
}

// ValidMethod reports whether method (already normalized) can be registered.
func ValidMethod(method string) bool {
	if method == AnyMethod {
		return true
	}
	for _, m := range Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ValidStatusCode reports whether code can be sent; 0 means the default 200.
func ValidStatusCode(code int) bool {
	return code == 0 || (code >= 100 && code <= 599)
}

// Validate checks rule invariants that do not need compilation.
func (c *RuleConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errx.With(ErrInvalidRule, ": url is required")
	}
	if m := NormalizeMethod(c.Method); !ValidMethod(m) {
		return errx.With(ErrInvalidRule, ": unsupported method %q", c.Method)
	}
	if !ValidStatusCode(c.Response.StatusCode) {
		return errx.With(ErrInvalidRule, ": status code %d out of range", c.Response.StatusCode)
	}
	if c.Response.DelayMS < 0 {
		return errx.With(ErrInvalidRule, ": delay_ms must be >= 0")
	}
	if c.Response.ForceNetworkError && c.Response.IsDynamic() {
		return errx.With(ErrInvalidRule, ": force_network_error cannot be combined with echo_body or set")
	}
	return nil
}

// RuleStats is the fulfillment record of a single rule.
type RuleStats struct {
	Label   string `json:"label"`
	Method  string `json:"method"`
	URL     string `json:"url"`
	Matched int64  `json:"matched"`
}

// EngineStats summarises every request seen by a registry.
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"by_rule"`
}

// RegisterResponse is returned by the control plane for a new rule.
type RegisterResponse struct {
	Label string `json:"label"`
}

// WaitResponse is returned by the control plane once a wait is satisfied.
type WaitResponse struct {
	Label   string `json:"label"`
	Matched int64  `json:"matched"`
}
