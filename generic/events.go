/*
events.go - Domain events emitted by the engine

PURPOSE:
  The engine announces state changes (submitted, approved, balance low, ...)
  through an injected Publisher. Delivery (email, chat, calendar) is somebody
  else's job; the engine only guarantees an event is published after the
  state change it describes was persisted.

IMPLEMENTATIONS:
  - NopPublisher: discards everything (default)
  - Recorder: keeps events in memory (tests)
  - logging.EventLogger: writes events as structured zap log lines
  - MultiPublisher: fans out to several publishers
*/
package generic

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventRequestSubmitted      EventType = "RequestSubmitted"
	EventStepActionable        EventType = "StepActionable"
	EventRequestApproved       EventType = "RequestApproved"
	EventRequestRejected       EventType = "RequestRejected"
	EventRequestCancelled      EventType = "RequestCancelled"
	EventBalanceLow            EventType = "BalanceLow"
	EventCompOffExpiringSoon   EventType = "CompOffExpiringSoon"
	EventCarryForwardProcessed EventType = "CarryForwardProcessed"
)

// Event is a notification about something that already happened.
type Event struct {
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	EmployeeID EmployeeID     `json:"employeeId,omitempty"`
	RequestID  RequestID      `json:"requestId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher receives events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// MultiPublisher delivers each event to every publisher in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// Recorder is a thread-safe in-memory Publisher.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the published events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
