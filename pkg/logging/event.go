package logging

import (
	"encoding/json"
	"time"
)

// Event is the structured record written for every interception decision.
// Required fields: Timestamp, RunID, EventType, Summary.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Rule      string          `json:"rule,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventRuleRegistered       = "rule_registered"
	EventRequestIntercepted   = "request_intercepted"
	EventRequestPassedThrough = "request_passed_through"
	EventWaitTimeout          = "wait_timeout"
	EventRegistryReset        = "registry_reset"
)

// InterceptData is the payload for request_intercepted and
// request_passed_through events.
type InterceptData struct {
	Method       string `json:"method"`
	URL          string `json:"url"`
	Label        string `json:"label,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	NetworkError bool   `json:"network_error,omitempty"`
	DelayMS      int64  `json:"delay_ms,omitempty"`
}

// RuleData is the payload for rule_registered events.
type RuleData struct {
	Label   string `json:"label"`
	Method  string `json:"method"`
	URL     string `json:"url"`
	Dynamic bool   `json:"dynamic,omitempty"`
}

// WaitData is the payload for wait_timeout events.
type WaitData struct {
	Label     string `json:"label"`
	Want      int64  `json:"want"`
	Matched   int64  `json:"matched"`
	TimeoutMS int64  `json:"timeout_ms"`
}
