package intercept

import (
	"strings"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
)

// urlPattern matches requests against an exact string or a '*' glob.
//
// Patterns starting with '/' are compared to the request path, anything else
// to the absolute URL. The query string only takes part when the pattern
// contains '?'.
type urlPattern struct {
	raw       string
	glob      string
	pathOnly  bool
	withQuery bool
}

func compilePattern(raw string) (*urlPattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errx.With(api.ErrInvalidRule, ": url pattern is empty")
	}
	return &urlPattern{
		raw:       raw,
		glob:      collapseStars(raw),
		pathOnly:  strings.HasPrefix(raw, "/"),
		withQuery: strings.Contains(raw, "?"),
	}, nil
}

func (p *urlPattern) match(req *Request) bool {
	var subject string
	if p.pathOnly {
		subject = req.Path()
	} else {
		subject = req.AbsoluteURL()
	}
	if p.withQuery && req.URL.RawQuery != "" {
		subject += "?" + req.URL.RawQuery
	}
	return matchGlob(p.glob, subject)
}

func (p *urlPattern) String() string {
	return p.raw
}

func collapseStars(pattern string) string {
	for strings.Contains(pattern, "**") {
		pattern = strings.ReplaceAll(pattern, "**", "*")
	}
	return pattern
}

func matchGlob(pattern, str string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == str
	}
	if pattern == "*" {
		return str != ""
	}
	return matchWildcard(pattern, str)
}

// matchWildcard reports whether str matches pattern, where every '*' must
// consume at least one character. '*' is allowed to cross '/'.
func matchWildcard(pattern, str string) bool {
	for pattern != "" {
		if pattern[0] != '*' {
			if str == "" || str[0] != pattern[0] {
				return false
			}
			pattern, str = pattern[1:], str[1:]
			continue
		}

		pattern = strings.TrimLeft(pattern, "*")
		if pattern == "" {
			return str != ""
		}
		for i := 1; i < len(str); i++ {
			if str[i] == pattern[0] && matchWildcard(pattern, str[i:]) {
				return true
			}
		}
		return false
	}
	return str == ""
}
