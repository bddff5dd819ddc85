package main

import "errors"

// Root errors
var (
	ErrReadConfig      = errors.New("read config file")
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Serve errors
var (
	ErrLoadRules     = errors.New("load rule file")
	ErrApplyRules    = errors.New("apply rule file")
	ErrOpenEvents    = errors.New("open events file")
	ErrOpenJournal   = errors.New("open journal")
	ErrCreateProxy   = errors.New("create proxy")
	ErrListenProxy   = errors.New("listen proxy")
	ErrListenControl = errors.New("listen control plane")
	ErrServe         = errors.New("serve")
)

// Check errors
var (
	ErrCheckRules = errors.New("check rule file")
)

// Journal errors
var (
	ErrNoJournalPath = errors.New("journal database path required (--db)")
	ErrListJournal   = errors.New("list journal")
)

// Fixture errors
var (
	ErrListenFixture = errors.New("listen fixture")
)
