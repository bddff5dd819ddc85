package intercept

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
)

const (
	refMethod  = "method"
	refPath    = "path"
	refURL     = "url"
	refSegment = "segment"
	refQuery   = "query"
	refHeader  = "header"
	refBody    = "body"

	modInt  = "int"
	modJSON = "json"
)

// templateResponder builds a response from a ResponseConfig whose body
// depends on the request: the base body (configured or echoed) with Set
// paths filled in from placeholders.
type templateResponder struct {
	status  int
	base    []byte
	echo    bool
	headers map[string]string
	delay   time.Duration
	sets    []templateSet
	logger  *slog.Logger
}

type templateSet struct {
	path string
	tmpl *bodyTemplate
}

func newTemplateResponder(cfg api.ResponseConfig, logger *slog.Logger) (*templateResponder, error) {
	t := &templateResponder{
		status:  cfg.StatusCode,
		echo:    cfg.EchoBody,
		headers: cfg.Headers,
		delay:   time.Duration(cfg.DelayMS) * time.Millisecond,
		logger:  logger,
	}
	if !cfg.EchoBody && cfg.Body != nil {
		b, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, errx.Wrap(api.ErrInvalidRule, err)
		}
		t.base = b
	}

	paths := make([]string, 0, len(cfg.Set))
	for p := range cfg.Set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, errx.With(api.ErrInvalidRule, ": empty set path")
		}
		tmpl, err := parseTemplate(cfg.Set[p])
		if err != nil {
			return nil, errx.Wrap(api.ErrInvalidRule, errx.With(err, " in set %q", p))
		}
		t.sets = append(t.sets, templateSet{path: p, tmpl: tmpl})
	}
	return t, nil
}

func (t *templateResponder) Respond(req *Request) *StaticResponse {
	body, err := t.render(req)
	if err != nil {
		t.logger.Warn("template evaluation failed", "request", req.String(), "error", err)
		return errorResponse(err)
	}
	resp := &StaticResponse{
		StatusCode: t.status,
		Headers:    t.headers,
		Delay:      t.delay,
	}
	if len(body) > 0 {
		resp.Body = json.RawMessage(body)
	}
	return resp
}

func (t *templateResponder) render(req *Request) ([]byte, error) {
	var body []byte
	if t.echo {
		if len(req.Body) > 0 && !gjson.ValidBytes(req.Body) {
			return nil, errx.With(ErrTemplateEval, ": request body is not JSON")
		}
		body = append([]byte(nil), req.Body...)
	} else {
		body = append([]byte(nil), t.base...)
	}

	for _, set := range t.sets {
		v, err := set.tmpl.eval(req)
		if err != nil {
			return nil, errx.With(err, " in set %q", set.path)
		}
		if v.raw {
			body, err = sjson.SetRawBytes(body, set.path, []byte(v.text))
		} else {
			body, err = sjson.SetBytes(body, set.path, v.text)
		}
		if err != nil {
			return nil, errx.Wrap(ErrTemplateEval, err)
		}
	}
	return body, nil
}

// bodyTemplate is a string with {{ref}} placeholders, e.g.
// "Post {{segment:-1}}" or "{{body:user.id | int}}".
type bodyTemplate struct {
	parts []templatePart
}

type templatePart struct {
	literal string
	ref     *placeholder
}

type placeholder struct {
	kind     string
	arg      string
	index    int
	modifier string
}

// value is an evaluated template; raw values are spliced in as JSON.
type value struct {
	text string
	raw  bool
}

func parseTemplate(s string) (*bodyTemplate, error) {
	t := &bodyTemplate{}
	for s != "" {
		open := strings.Index(s, "{{")
		if open < 0 {
			t.parts = append(t.parts, templatePart{literal: s})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, templatePart{literal: s[:open]})
		}
		rest := s[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, errx.With(ErrTemplateSyntax, ": unterminated placeholder")
		}
		ph, err := parsePlaceholder(rest[:end])
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, templatePart{ref: ph})
		s = rest[end+2:]
	}
	return t, nil
}

func parsePlaceholder(expr string) (*placeholder, error) {
	ref, mod, hasMod := strings.Cut(expr, "|")
	ref = strings.TrimSpace(ref)
	ph := &placeholder{}
	if hasMod {
		ph.modifier = strings.TrimSpace(mod)
		if ph.modifier != modInt && ph.modifier != modJSON {
			return nil, errx.With(ErrTemplateSyntax, ": unknown modifier %q", ph.modifier)
		}
	}

	kind, arg, hasArg := strings.Cut(ref, ":")
	ph.kind = strings.TrimSpace(kind)
	ph.arg = strings.TrimSpace(arg)
	switch ph.kind {
	case refMethod, refPath, refURL:
		if hasArg {
			return nil, errx.With(ErrTemplateSyntax, ": %q takes no argument", ph.kind)
		}
	case refSegment:
		n, err := strconv.Atoi(ph.arg)
		if err != nil {
			return nil, errx.With(ErrTemplateSyntax, ": segment index %q is not an integer", ph.arg)
		}
		ph.index = n
	case refQuery, refHeader, refBody:
		if ph.arg == "" {
			return nil, errx.With(ErrTemplateSyntax, ": %q needs an argument", ph.kind)
		}
	default:
		return nil, errx.With(ErrTemplateSyntax, ": unknown reference %q", ref)
	}
	return ph, nil
}

func (t *bodyTemplate) single() *placeholder {
	if len(t.parts) == 1 {
		return t.parts[0].ref
	}
	return nil
}

func (t *bodyTemplate) eval(req *Request) (value, error) {
	if ph := t.single(); ph != nil {
		return ph.eval(req)
	}
	var sb strings.Builder
	for _, part := range t.parts {
		if part.ref == nil {
			sb.WriteString(part.literal)
			continue
		}
		v, err := part.ref.eval(req)
		if err != nil {
			return value{}, err
		}
		if v.raw && part.ref.kind == refBody && part.ref.modifier == "" {
			// Strings from the body interpolate without their quotes.
			sb.WriteString(gjson.Parse(v.text).String())
			continue
		}
		sb.WriteString(v.text)
	}
	return value{text: sb.String()}, nil
}

func (p *placeholder) eval(req *Request) (value, error) {
	var text string
	raw := false
	switch p.kind {
	case refMethod:
		text = req.Method
	case refPath:
		text = req.Path()
	case refURL:
		text = req.URL.String()
	case refSegment:
		seg, ok := req.Segment(p.index)
		if !ok {
			return value{}, errx.With(ErrTemplateEval, ": path %s has no segment %d", req.Path(), p.index)
		}
		text = seg
	case refQuery:
		text = req.Query().Get(p.arg)
	case refHeader:
		text = req.Header.Get(p.arg)
	case refBody:
		res := req.JSON(p.arg)
		if !res.Exists() {
			return value{}, errx.With(ErrTemplateEval, ": body has no value at %q", p.arg)
		}
		if p.modifier == modInt {
			text = res.String()
		} else {
			text, raw = res.Raw, true
		}
	}

	switch p.modifier {
	case modInt:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return value{}, errx.With(ErrTemplateEval, ": %q is not an integer", text)
		}
		return value{text: strconv.FormatInt(n, 10), raw: true}, nil
	case modJSON:
		if !gjson.Valid(text) {
			return value{}, errx.With(ErrTemplateEval, ": %q is not valid JSON", text)
		}
		return value{text: text, raw: true}, nil
	}
	return value{text: text, raw: raw}, nil
}
