package logging

import "sync"

// Sink consumes structured events.
// Implementations must be safe for concurrent use and must not modify the event.
type Sink interface {
	Write(event *Event) error
	Close() error
}

// Recorder keeps events in memory for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Write stores a copy of event.
func (r *Recorder) Write(event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// Close marks the recorder closed; recorded events stay readable.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given event type.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
