package sdk

import "errors"

var (
	ErrRequest          = errors.New("sdk: control plane request")
	ErrDecode           = errors.New("sdk: decode response")
	ErrUnexpectedStatus = errors.New("sdk: unexpected status")
)
