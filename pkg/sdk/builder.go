package sdk

import (
	"time"

	"github.com/jingkaihe/stubnet/pkg/api"
)

// RuleBuilder assembles an api.RuleConfig fluently.
type RuleBuilder struct {
	cfg api.RuleConfig
}

// Intercept starts a rule for method and url.
func Intercept(method, url string) *RuleBuilder {
	return &RuleBuilder{cfg: api.RuleConfig{Method: method, URL: url}}
}

// As sets the label used to wait on the rule.
func (b *RuleBuilder) As(label string) *RuleBuilder {
	b.cfg.Label = label
	return b
}

func (b *RuleBuilder) Status(code int) *RuleBuilder {
	b.cfg.Response.StatusCode = code
	return b
}

// Body sets the JSON response body.
func (b *RuleBuilder) Body(v any) *RuleBuilder {
	b.cfg.Response.Body = v
	return b
}

func (b *RuleBuilder) Header(key, value string) *RuleBuilder {
	if b.cfg.Response.Headers == nil {
		b.cfg.Response.Headers = make(map[string]string)
	}
	b.cfg.Response.Headers[key] = value
	return b
}

// Delay holds the response back for d, truncated to milliseconds.
func (b *RuleBuilder) Delay(d time.Duration) *RuleBuilder {
	b.cfg.Response.DelayMS = int(d.Milliseconds())
	return b
}

// NetworkError makes matching requests fail at the connection level.
func (b *RuleBuilder) NetworkError() *RuleBuilder {
	b.cfg.Response.ForceNetworkError = true
	return b
}

// EchoBody uses the request body as the response body.
func (b *RuleBuilder) EchoBody() *RuleBuilder {
	b.cfg.Response.EchoBody = true
	return b
}

// Set fills the body path with a template such as "{{segment:-1 | int}}".
func (b *RuleBuilder) Set(path, template string) *RuleBuilder {
	if b.cfg.Response.Set == nil {
		b.cfg.Response.Set = make(map[string]string)
	}
	b.cfg.Response.Set[path] = template
	return b
}

// Config returns a copy of the built rule.
func (b *RuleBuilder) Config() api.RuleConfig {
	cfg := b.cfg
	if b.cfg.Response.Headers != nil {
		cfg.Response.Headers = make(map[string]string, len(b.cfg.Response.Headers))
		for k, v := range b.cfg.Response.Headers {
			cfg.Response.Headers[k] = v
		}
	}
	if b.cfg.Response.Set != nil {
		cfg.Response.Set = make(map[string]string, len(b.cfg.Response.Set))
		for k, v := range b.cfg.Response.Set {
			cfg.Response.Set[k] = v
		}
	}
	return cfg
}
