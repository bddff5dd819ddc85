package intercept

import "errors"

var (
	ErrInvalidURL     = errors.New("intercept: invalid request url")
	ErrReadBody       = errors.New("intercept: read request body")
	ErrEncodeBody     = errors.New("intercept: encode response body")
	ErrTemplateSyntax = errors.New("intercept: template syntax")
	ErrTemplateEval   = errors.New("intercept: template evaluation")
)
