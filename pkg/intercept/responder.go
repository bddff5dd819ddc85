package intercept

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
)

// Responder produces the response for a matched request. A nil result lets
// the request continue to the network.
type Responder interface {
	Respond(req *Request) *StaticResponse
}

// ResponderFunc adapts a plain function to Responder.
type ResponderFunc func(req *Request) *StaticResponse

func (f ResponderFunc) Respond(req *Request) *StaticResponse {
	return f(req)
}

// StaticResponse is a fabricated response. When ForceNetworkError is set the
// caller sees a connection failure and StatusCode, Body and Headers are
// ignored.
type StaticResponse struct {
	StatusCode        int
	Body              any
	Headers           map[string]string
	Delay             time.Duration
	ForceNetworkError bool
}

// JSONResponse is shorthand for a status plus JSON body.
func JSONResponse(status int, body any) *StaticResponse {
	return &StaticResponse{StatusCode: status, Body: body}
}

// NetworkFailure returns a response that surfaces as a transport error.
func NetworkFailure() *StaticResponse {
	return &StaticResponse{ForceNetworkError: true}
}

// Respond makes a StaticResponse usable as its own Responder.
func (s *StaticResponse) Respond(*Request) *StaticResponse {
	return s
}

// Status returns the status code, defaulting to 200.
func (s *StaticResponse) Status() int {
	if s.StatusCode == 0 {
		return http.StatusOK
	}
	return s.StatusCode
}

// EncodeBody renders Body. []byte and json.RawMessage are sent verbatim,
// nil is an empty body and anything else is JSON encoded.
func (s *StaticResponse) EncodeBody() ([]byte, error) {
	switch b := s.Body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	out, err := json.Marshal(s.Body)
	if err != nil {
		return nil, errx.Wrap(ErrEncodeBody, err)
	}
	return out, nil
}

// errorResponse is served in place of a response a dynamic rule failed to
// produce.
func errorResponse(err error) *StaticResponse {
	return &StaticResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       map[string]string{"error": err.Error()},
	}
}

func (s *StaticResponse) validate() error {
	if s.ForceNetworkError {
		if s.Delay < 0 {
			return errx.With(api.ErrInvalidRule, ": delay must be >= 0")
		}
		return nil
	}
	if !api.ValidStatusCode(s.StatusCode) {
		return errx.With(api.ErrInvalidRule, ": status code %d out of range", s.StatusCode)
	}
	if s.Delay < 0 {
		return errx.With(api.ErrInvalidRule, ": delay must be >= 0")
	}
	if _, err := s.EncodeBody(); err != nil {
		return errx.Wrap(api.ErrInvalidRule, err)
	}
	return nil
}

func validateResponder(responder Responder) error {
	switch r := responder.(type) {
	case nil:
		return errx.With(api.ErrInvalidRule, ": responder is nil")
	case *StaticResponse:
		if r == nil {
			return errx.With(api.ErrInvalidRule, ": responder is nil")
		}
		return r.validate()
	case ResponderFunc:
		if r == nil {
			return errx.With(api.ErrInvalidRule, ": responder is nil")
		}
	}
	return nil
}
