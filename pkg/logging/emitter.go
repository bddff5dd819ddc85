package logging

import (
	"encoding/json"
	"time"

	"github.com/jingkaihe/stubnet/internal/errx"
)

// EmitterConfig holds static metadata stamped onto every event.
type EmitterConfig struct {
	RunID string
}

// Emitter stamps events with run metadata and dispatches them to sinks.
//
// A nil *Emitter is valid and drops every event, so components can hold
// one unconditionally.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

// NewEmitter creates an emitter with the given configuration and sinks.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	return &Emitter{
		config: cfg,
		sinks:  sinks,
	}
}

// RunID returns the run identifier stamped on events.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.config.RunID
}

// Emit builds an event and writes it to every sink.
//
// data is marshalled to JSON; pass nil for no payload. A failing sink does
// not stop delivery to the others; the first sink error is returned. Callers on hot paths discard it with _ = (best effort).
func (e *Emitter) Emit(eventType, summary, rule string, tags []string, data any) error {
	if e == nil {
		return nil
	}
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.config.RunID,
		EventType: eventType,
		Summary:   summary,
		Rule:      rule,
		Tags:      tags,
		Data:      rawData,
	}

	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all sinks and returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
