package testutil

import (
	"context"
	"sync"

	"github.com/lucid-vigil/fleet/pkg/events"
)

// EventSink records published events in order. Err, when set, is returned
// from every Publish.
type EventSink struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
}

func NewEventSink() *EventSink {
	return &EventSink{}
}

func (s *EventSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.Err
}

// Events returns a copy of everything published so far.
func (s *EventSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns the published events of one type.
func (s *EventSink) OfType(t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the type of every published event in order.
func (s *EventSink) Types() []events.EventType {
	var out []events.EventType
	for _, e := range s.Events() {
		out = append(out, e.Type)
	}
	return out
}

func (s *EventSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}
