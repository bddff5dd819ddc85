package api

import "errors"

var (
	ErrInvalidRule    = errors.New("invalid interception rule")
	ErrDuplicateLabel = errors.New("interception label already registered")
	ErrUnknownLabel   = errors.New("no interception registered for label")
	ErrWaitTimeout    = errors.New("timed out waiting for interception")
	ErrRuleReset      = errors.New("interception registry was reset")
	ErrNetworkFailure = errors.New("network failure")
	ErrInvalidConfig  = errors.New("invalid configuration")
)
