package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/logging"
)

// Registry holds interception rules and their fulfillment counts.
//
// Rules are kept in registration order and scanned newest first, so a later
// rule for an overlapping pattern shadows earlier ones. All methods are safe
// for concurrent use.
type Registry struct {
	mu      sync.Mutex
	rules   []*rule
	labels  map[string]*rule
	total   int64
	matched int64
	// closed by Reset; rules capture the channel current at registration.
	reset chan struct{}

	waitTimeout time.Duration
	logger      *slog.Logger
	events      *logging.Emitter
}

type rule struct {
	label     string
	method    string
	pattern   *urlPattern
	responder Responder
	dynamic   bool

	matched   int64
	delivered int64
	// closed and replaced whenever matched or delivered changes.
	notify chan struct{}
	reset  <-chan struct{}
}

func (r *rule) matches(req *Request) bool {
	if r.method != api.AnyMethod && r.method != req.Method {
		return false
	}
	return r.pattern.match(req)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEmitter sends interception events to emitter.
func WithEmitter(emitter *logging.Emitter) Option {
	return func(r *Registry) {
		r.events = emitter
	}
}

// WithWaitTimeout sets the timeout used when WaitFor is given zero.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// RuleOption configures a single registration.
type RuleOption func(*ruleOptions)

type ruleOptions struct {
	label string
}

// WithLabel names the rule so it can be awaited by label.
func WithLabel(label string) RuleOption {
	return func(o *ruleOptions) {
		o.label = strings.TrimSpace(label)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		labels:      make(map[string]*rule),
		reset:       make(chan struct{}),
		waitTimeout: api.DefaultWaitTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "intercept")
	return r
}

// Handle identifies a registered rule.
type Handle struct {
	registry *Registry
	rule     *rule
}

// Label returns the rule label, generated when none was given.
func (h *Handle) Label() string {
	return h.rule.label
}

// Matched returns how many requests the rule has intercepted so far.
func (h *Handle) Matched() int64 {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.rule.matched
}

// Delivered returns how many of the rule's responses have reached the
// caller, delays included.
func (h *Handle) Delivered() int64 {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.rule.delivered
}

// Wait is shorthand for Registry.WaitFor.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) error {
	return h.registry.WaitFor(ctx, h, timeout)
}

// Register adds a rule. method is case-insensitive; "" and "*" match any
// method. urlPattern is an exact URL or path, or a glob where '*' stands for
// one or more characters, path separators included.
func (r *Registry) Register(method, urlPattern string, responder Responder, opts ...RuleOption) (*Handle, error) {
	var o ruleOptions
	for _, opt := range opts {
		opt(&o)
	}

	normalized := api.NormalizeMethod(method)
	if !api.ValidMethod(normalized) {
		return nil, errx.With(api.ErrInvalidRule, ": unsupported method %q", method)
	}
	pattern, err := compilePattern(urlPattern)
	if err != nil {
		return nil, err
	}
	if err := validateResponder(responder); err != nil {
		return nil, err
	}
	_, static := responder.(*StaticResponse)

	r.mu.Lock()
	label := o.label
	if label == "" {
		label = r.generateLabel()
	} else if _, ok := r.labels[label]; ok {
		r.mu.Unlock()
		return nil, errx.With(api.ErrDuplicateLabel, ": %s", label)
	}
	rl := &rule{
		label:     label,
		method:    normalized,
		pattern:   pattern,
		responder: responder,
		dynamic:   !static,
		notify:    make(chan struct{}),
		reset:     r.reset,
	}
	r.rules = append(r.rules, rl)
	r.labels[label] = rl
	r.mu.Unlock()

	r.logger.Debug("rule registered", "label", label, "method", normalized, "url", pattern.raw)
	_ = r.events.Emit(logging.EventRuleRegistered,
		fmt.Sprintf("%s %s", normalized, pattern.raw), label, nil,
		&logging.RuleData{Label: label, Method: normalized, URL: pattern.raw, Dynamic: rl.dynamic})

	return &Handle{registry: r, rule: rl}, nil
}

// RegisterConfig registers a declarative rule as read from rule files or the
// control plane.
func (r *Registry) RegisterConfig(cfg api.RuleConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var responder Responder
	if cfg.Response.IsDynamic() {
		t, err := newTemplateResponder(cfg.Response, r.logger)
		if err != nil {
			return nil, err
		}
		responder = t
	} else {
		responder = &StaticResponse{
			StatusCode:        cfg.Response.StatusCode,
			Body:              cfg.Response.Body,
			Headers:           cfg.Response.Headers,
			Delay:             time.Duration(cfg.Response.DelayMS) * time.Millisecond,
			ForceNetworkError: cfg.Response.ForceNetworkError,
		}
	}
	return r.Register(cfg.Method, cfg.URL, responder, WithLabel(cfg.Label))
}

// must hold r.mu
func (r *Registry) generateLabel() string {
	for {
		label := "rule-" + uuid.NewString()[:8]
		if _, ok := r.labels[label]; !ok {
			return label
		}
	}
}

// Outcome is the result of Intercept. A nil Response means the request
// continues to the network; Label is set whenever a rule matched.
type Outcome struct {
	Label    string
	Response *StaticResponse

	rule *rule
}

// PassThrough reports whether the request should reach the network.
func (o Outcome) PassThrough() bool {
	return o.Response == nil
}

// Intercept resolves req against the registered rules. The newest matching
// rule wins; its count is bumped and waiters are woken before the responder
// runs. Delays are left to the caller.
func (r *Registry) Intercept(req *Request) Outcome {
	r.mu.Lock()
	r.total++
	var hit *rule
	for i := len(r.rules) - 1; i >= 0; i-- {
		if r.rules[i].matches(req) {
			hit = r.rules[i]
			break
		}
	}
	if hit != nil {
		r.matched++
		hit.matched++
		close(hit.notify)
		hit.notify = make(chan struct{})
	}
	r.mu.Unlock()

	data := &logging.InterceptData{Method: req.Method, URL: req.URL.String()}
	if hit == nil {
		r.logger.Debug("request passed through", "method", req.Method, "url", data.URL)
		_ = r.events.Emit(logging.EventRequestPassedThrough, req.String(), "", nil, data)
		return Outcome{}
	}

	resp := hit.responder.Respond(req)
	data.Label = hit.label
	if resp == nil {
		r.logger.Debug("rule matched, passing through", "label", hit.label, "method", req.Method, "url", data.URL)
		_ = r.events.Emit(logging.EventRequestPassedThrough, req.String(), hit.label, nil, data)
		return Outcome{Label: hit.label, rule: hit}
	}
	if hit.dynamic {
		if err := resp.validate(); err != nil {
			r.logger.Warn("dynamic responder returned an invalid response", "label", hit.label, "request", req.String(), "error", err)
			resp = errorResponse(err)
		}
	}

	data.NetworkError = resp.ForceNetworkError
	data.DelayMS = resp.Delay.Milliseconds()
	if !resp.ForceNetworkError {
		data.StatusCode = resp.Status()
	}
	r.logger.Debug("request intercepted", "label", hit.label, "method", req.Method, "url", data.URL,
		"status", data.StatusCode, "network_error", data.NetworkError, "delay", resp.Delay)
	_ = r.events.Emit(logging.EventRequestIntercepted, interceptSummary(req, resp), hit.label, nil, data)
	return Outcome{Label: hit.label, Response: resp, rule: hit}
}

// deliver records that the response chosen for o reached the caller.
func (r *Registry) deliver(o Outcome) {
	if o.rule == nil {
		return
	}
	r.mu.Lock()
	o.rule.delivered++
	close(o.rule.notify)
	o.rule.notify = make(chan struct{})
	r.mu.Unlock()
}

func interceptSummary(req *Request, resp *StaticResponse) string {
	if resp.ForceNetworkError {
		return req.String() + " -> network error"
	}
	return fmt.Sprintf("%s -> %d", req.String(), resp.Status())
}

// Lookup returns the handle for label.
func (r *Registry) Lookup(label string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.labels[label]
	if !ok {
		return nil, false
	}
	return &Handle{registry: r, rule: rl}, true
}

// WaitFor blocks until the rule behind h has matched at least once.
// A timeout <= 0 uses the registry default.
func (r *Registry) WaitFor(ctx context.Context, h *Handle, timeout time.Duration) error {
	return r.WaitForCount(ctx, h, 1, timeout)
}

// WaitForLabel is WaitFor for a rule identified by label.
func (r *Registry) WaitForLabel(ctx context.Context, label string, timeout time.Duration) error {
	h, ok := r.Lookup(label)
	if !ok {
		return errx.With(api.ErrUnknownLabel, ": %s", label)
	}
	return r.WaitFor(ctx, h, timeout)
}

// WaitForCount blocks until the rule behind h has matched at least n times.
//
// It fails with api.ErrWaitTimeout when the window elapses, api.ErrRuleReset
// when the registry is reset first, or the context error.
func (r *Registry) WaitForCount(ctx context.Context, h *Handle, n int64, timeout time.Duration) error {
	return r.wait(ctx, h, n, timeout, false)
}

// WaitForResponse is WaitForCount counting delivered responses instead of
// matches: a delayed rule is only counted once its delay has elapsed and the
// Transport has handed the response (or network error) back to the caller.
func (r *Registry) WaitForResponse(ctx context.Context, h *Handle, n int64, timeout time.Duration) error {
	return r.wait(ctx, h, n, timeout, true)
}

func (r *Registry) wait(ctx context.Context, h *Handle, n int64, timeout time.Duration, delivered bool) error {
	if h == nil || h.rule == nil || h.registry != r {
		return errx.With(api.ErrUnknownLabel, ": handle does not belong to this registry")
	}
	if n < 1 {
		n = 1
	}
	if timeout <= 0 {
		timeout = r.waitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	rl := h.rule
	for {
		r.mu.Lock()
		matched := rl.matched
		if delivered {
			matched = rl.delivered
		}
		notify := rl.notify
		r.mu.Unlock()

		if matched >= n {
			return nil
		}

		select {
		case <-notify:
		case <-rl.reset:
			return errx.With(api.ErrRuleReset, ": %s", rl.label)
		case <-timer.C:
			r.logger.Warn("wait timed out", "label", rl.label, "want", n, "matched", matched, "timeout", timeout)
			_ = r.events.Emit(logging.EventWaitTimeout,
				fmt.Sprintf("%s: %d of %d matches after %s", rl.label, matched, n, timeout), rl.label, nil,
				&logging.WaitData{Label: rl.label, Want: n, Matched: matched, TimeoutMS: timeout.Milliseconds()})
			return errx.With(api.ErrWaitTimeout, ": %s: %d of %d matches after %s", rl.label, matched, n, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset drops every rule, label and counter. Pending waits fail with
// api.ErrRuleReset.
func (r *Registry) Reset() {
	r.mu.Lock()
	dropped := len(r.rules)
	r.rules = nil
	r.labels = make(map[string]*rule)
	r.total = 0
	r.matched = 0
	close(r.reset)
	r.reset = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("registry reset", "rules", dropped)
	_ = r.events.Emit(logging.EventRegistryReset, fmt.Sprintf("dropped %d rules", dropped), "", nil, nil)
}

// Rules returns a snapshot of the registered rules in registration order.
func (r *Registry) Rules() []api.RuleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.RuleStats, 0, len(r.rules))
	for _, rl := range r.rules {
		out = append(out, api.RuleStats{
			Label:   rl.label,
			Method:  rl.method,
			URL:     rl.pattern.raw,
			Matched: rl.matched,
		})
	}
	return out
}

// Stats returns request totals since the last reset.
func (r *Registry) Stats() api.EngineStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := api.EngineStats{
		Total:   r.total,
		Matched: r.matched,
		ByRule:  make(map[string]int64, len(r.rules)),
	}
	for _, rl := range r.rules {
		stats.ByRule[rl.label] = rl.matched
	}
	return stats
}
